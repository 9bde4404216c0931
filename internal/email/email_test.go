package email

import (
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{name: "plain", text: "please extend, contact me at user@example.com", want: "user@example.com", ok: true},
		{name: "first wins", text: "a@example.com or b@example.org", want: "a@example.com", ok: true},
		{name: "plus and dots", text: "mail: first.last+tag@mail.example.co.uk.", want: "first.last+tag@mail.example.co.uk", ok: true},
		{name: "pipe is not a letter", text: "x@example.c|m", ok: false},
		{name: "short tld", text: "x@example.c", ok: false},
		{name: "none", text: "need more queries please", ok: false},
		{name: "empty", text: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RegexExtractor{}.Extract(tt.text)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Extract(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{addr: "user@example.com", want: true},
		{addr: "  user@example.com  ", want: true},
		{addr: "user@example", want: false},
		{addr: "user example.com", want: false},
		{addr: "a@example.com b@example.com", want: false},
		{addr: strings.Repeat("a", 250) + "@example.com", want: false},
	}
	for _, tt := range tests {
		if got := Valid(tt.addr); got != tt.want {
			t.Fatalf("Valid(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
