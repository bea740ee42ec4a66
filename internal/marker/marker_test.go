package marker

import (
	"strings"
	"testing"
)

func TestMakeDeterministic(t *testing.T) {
	a := Make("req-1", "secret")
	b := Make("req-1", "secret")
	if a != b {
		t.Fatalf("marker not deterministic: %q vs %q", a, b)
	}
	if a == Make("req-2", "secret") {
		t.Error("distinct request ids must produce distinct markers")
	}
	if a == Make("req-1", "other") {
		t.Error("distinct secrets must produce distinct markers")
	}
}

func TestMakeShape(t *testing.T) {
	m := Make("abc123", "secret")
	if !strings.HasPrefix(m, "[[OC=abc123.") || !strings.HasSuffix(m, "]]") {
		t.Fatalf("unexpected marker shape: %q", m)
	}
	if strings.ContainsAny(m[2:len(m)-2], "[]\n") {
		t.Errorf("marker body contains forbidden characters: %q", m)
	}
	tag := Tag("abc123", "secret")
	if len(tag) != 16 {
		t.Errorf("expected 16-char tag, got %d", len(tag))
	}
	// URL-safe alphabet only
	for _, r := range tag {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			t.Errorf("tag contains non-url-safe rune %q", r)
		}
	}
}

func TestContainsAndStrip(t *testing.T) {
	m := Make("rid", "s")
	text := "before\n" + m + "\nafter"
	if !Contains(text) {
		t.Fatal("Contains should detect the marker")
	}
	stripped := Strip(text)
	if Contains(stripped) {
		t.Errorf("Strip left a marker behind: %q", stripped)
	}
	if !strings.Contains(stripped, "before") || !strings.Contains(stripped, "after") {
		t.Errorf("Strip removed surrounding text: %q", stripped)
	}
}

func TestFind(t *testing.T) {
	m := Make("rid", "s")
	anchor := "ask something\n\n" + m
	if got := Find(anchor); got != m {
		t.Errorf("expected %q, got %q", m, got)
	}
	if got := Find(anchor + "\n"); got != m {
		t.Errorf("trailing newline should not hide the marker, got %q", got)
	}
	if got := Find("no marker here"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	if got := Find(m + "\ntrailing prose"); got != "" {
		t.Errorf("marker not at anchor end must not match, got %q", got)
	}
}
