package render

import (
	"strings"
	"testing"
)

func lookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestRenderWith(t *testing.T) {
	env := lookup(map[string]string{"DIR": "/data", "LIMIT": "30", "TLS": "false"})
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"env", `dir: {{ env "DIR" }}`, "dir: /data"},
		{"envOr set", `dir: {{ envOr "DIR" "./logs" }}`, "dir: /data"},
		{"envOr unset", `dir: {{ envOr "NOPE" "./logs" }}`, "dir: ./logs"},
		{"envInt", `n: {{ envInt "LIMIT" 20 }}`, "n: 30"},
		{"envInt fallback", `n: {{ envInt "DIR" 20 }}`, "n: 20"},
		{"envBool", `tls: {{ envBool "TLS" true }}`, "tls: false"},
		{"default", `x: {{ default "a" "" }}`, "x: a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := RenderWith("t", []byte(tt.tmpl), env)
			if err != nil {
				t.Fatalf("RenderWith() error = %v", err)
			}
			if string(out) != tt.want {
				t.Fatalf("RenderWith() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestRenderWithMissingEnv(t *testing.T) {
	_, err := RenderWith("t", []byte(`a: {{ env "B" }} {{ env "A" }}`), lookup(nil))
	if err == nil || !strings.Contains(err.Error(), "missing env vars: A, B") {
		t.Fatalf("RenderWith() error = %v", err)
	}
}
