package templates

import (
	"errors"
	"strings"
	"testing"
)

func TestBundlesHaveSameKeys(t *testing.T) {
	en, err := Load("en")
	if err != nil {
		t.Fatalf("Load(en) error = %v", err)
	}
	for _, lang := range Languages() {
		b, err := Load(lang)
		if err != nil {
			t.Fatalf("Load(%s) error = %v", lang, err)
		}
		if len(b.templates) != len(en.templates) {
			t.Fatalf("%s has %d templates, en has %d", lang, len(b.templates), len(en.templates))
		}
		for key := range en.templates {
			if _, ok := b.templates[key]; !ok {
				t.Fatalf("%s is missing %s", lang, key)
			}
		}
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		lang string
		key  string
		data any
		want string
	}{
		{"en", "notify.subject", map[string]any{"Email": "u@example.com"}, "Extension Request from u@example.com"},
		{"EN ", "chat.limit_reached", map[string]any{"MaxQueries": 20}, "You have reached the maximum of 20 questions"},
		{"fr", "admin.denied", nil, "Extension request denied"},
		{"ru", "admin.not_found", nil, "Запрос не найден"},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.key, func(t *testing.T) {
			b, err := Load(tt.lang)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			got, err := b.Render(tt.key, tt.data)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Fatalf("Render() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

type failing struct{}

func (failing) Render(string, any) (string, error) { return "", errors.New("boom") }

func TestRenderOr(t *testing.T) {
	if got := RenderOr(nil, "x", nil, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr(nil) = %q", got)
	}
	if got := RenderOr(failing{}, "x", nil, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr(failing) = %q", got)
	}
	b, _ := Load("en")
	if got := RenderOr(b, "admin.approved", map[string]any{}, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr(missing data) = %q, want fallback", got)
	}
}
