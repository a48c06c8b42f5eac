package requestid

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if a == b {
		t.Fatalf("New() returned duplicate id %q", a)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rid-123", "rid-123"},
		{"  rid_ABC  ", "rid_ABC"},
		{"", ""},
		{"has space", ""},
		{"semi;colon", ""},
		{strings.Repeat("a", 65), ""},
	}
	for _, tc := range tests {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
