// Package uuid tests for identifier generation.
package uuid

import "testing"

// TestNew verifies generated identifiers are valid and distinct.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q is not a valid UUID", id)
		}
		if seen[id] {
			t.Fatalf("New() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid verifies rejection of malformed identifiers.
func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"123e4567-e89b-42d3-a456-426614174000", true},
		{"", false},
		{"not-a-uuid", false},
		{"123e4567-e89b-42d3-a456", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.in); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
