package browser

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestJoinURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://portal.example.com", "/login", "https://portal.example.com/login"},
		{"https://portal.example.com/", "login", "https://portal.example.com/login"},
		{"https://portal.example.com/app/", "/entities", "https://portal.example.com/app/entities"},
	}
	for _, tc := range cases {
		if got := joinURL(tc.base, tc.path); got != tc.want {
			t.Fatalf("joinURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
}

func TestPageName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://portal.example.com/", "home"},
		{"https://portal.example.com/entities", "entities"},
		{"https://portal.example.com/submissions/new", "new"},
		{"https://portal.example.com/dashboard?tab=1", "dashboard"},
	}
	for _, tc := range cases {
		if got := pageName(tc.in); got != tc.want {
			t.Fatalf("pageName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMustParseURL(t *testing.T) {
	if u := mustParseURL("https://portal.example.com/entities"); u.Host != "portal.example.com" {
		t.Fatalf("host = %q", u.Host)
	}
	if u := mustParseURL("://not a url"); u == nil {
		t.Fatalf("unparseable input must yield an empty url, not nil")
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 100); got != "short" {
		t.Fatalf("text under the budget must pass through, got %q", got)
	}
	if got := truncateText("abcdef", 4); got != "abcd" {
		t.Fatalf("ascii truncation wrong: %q", got)
	}
	// multi-byte text cut inside a rune must back up to the boundary
	text := strings.Repeat("ü", 10) // 2 bytes each
	got := truncateText(text, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if got != "üü" {
		t.Fatalf("expected 2 whole runes within 5 bytes, got %q", got)
	}
}

func TestStringParam(t *testing.T) {
	params := map[string]interface{}{"entity": " Acme ", "count": 3}
	if got := stringParam(params, "entity", "x"); got != "Acme" {
		t.Fatalf("stringParam trimmed = %q", got)
	}
	if got := stringParam(params, "count", "fallback"); got != "fallback" {
		t.Fatalf("non-string param should fall back, got %q", got)
	}
	if got := stringParam(params, "missing", "fallback"); got != "fallback" {
		t.Fatalf("missing param should fall back, got %q", got)
	}
}
