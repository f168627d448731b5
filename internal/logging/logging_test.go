package logging

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("shouting", "json"); err == nil {
		t.Fatalf("New() error = nil, want parse error")
	}
}

func TestNewBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(%q) error = %v", format, err)
		}
		if !l.Core().Enabled(-1) {
			t.Fatalf("New(%q) debug level not enabled", format)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) = nil, want no-op logger")
	}
}
