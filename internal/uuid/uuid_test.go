// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"testing"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()

	if id == "" {
		t.Fatal("Expected non-empty UUID string")
	}

	if !IsValid(id) {
		t.Errorf("Generated UUID is not a valid v4: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests UUID v4 validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase UUID v4", "F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"UUID v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"wrong variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"braced", "{f47ac10b-58cc-4372-a567-0e02b2c3d479}", false},
		{"empty", "", false},
		{"garbage", "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestValidate tests the error-returning validator.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate(New()) = %v, want nil", err)
	}
	if err := Validate("op-1"); err == nil {
		t.Error("Validate(\"op-1\") = nil, want error")
	}
}

// TestParseRoundTrip tests that Parse returns the same UUID.
func TestParseRoundTrip(t *testing.T) {
	id := New()
	parsed, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", id, err)
	}
	if parsed.String() != id {
		t.Errorf("Parse round trip = %s, want %s", parsed.String(), id)
	}
}
