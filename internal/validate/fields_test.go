package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr error
	}{
		{"  Alice@Example.com ", "Alice@Example.com", nil},
		{"operator-7", "operator-7", nil},
		{"   ", "", ErrEmpty},
		{"alice\n@example.com", "", ErrInvalidCharacters},
		{strings.Repeat("a", MaxIdentifierLength+1), "", ErrStringTooLong},
	}

	for _, tt := range tests {
		got, err := Identifier(tt.input)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Identifier(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Identifier(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSecret(t *testing.T) {
	if got, err := Secret("  spaced secret  "); err != nil || got != "  spaced secret  " {
		t.Errorf("Secret() = %q, %v; secrets must not be trimmed", got, err)
	}
	if _, err := Secret(""); !errors.Is(err, ErrEmpty) {
		t.Errorf("Secret(\"\") error = %v, want ErrEmpty", err)
	}
	if _, err := Secret(strings.Repeat("s", MaxSecretBytes+1)); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("Secret(long) error = %v, want ErrStringTooLong", err)
	}
}

func TestPathID(t *testing.T) {
	valid := []string{"p-alice", "2026-04", "user:42", "svc.audit@eu"}
	for _, id := range valid {
		if _, err := PathID(id); err != nil {
			t.Errorf("PathID(%q) error = %v", id, err)
		}
	}

	invalid := []string{"", "a b", "../etc", "p/1", strings.Repeat("x", MaxPathIDLength+1)}
	for _, id := range invalid {
		if _, err := PathID(id); err == nil {
			t.Errorf("PathID(%q) should fail", id)
		}
	}
}

func TestLockoutIdentifier(t *testing.T) {
	if _, err := LockoutIdentifier("Alice@Example.com"); err != nil {
		t.Errorf("LockoutIdentifier() error = %v", err)
	}
	if _, err := LockoutIdentifier("alice\t"); !errors.Is(err, ErrInvalidCharacters) {
		t.Errorf("LockoutIdentifier(tab) error = %v, want ErrInvalidCharacters", err)
	}
}
