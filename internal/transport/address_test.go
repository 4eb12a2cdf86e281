package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		phone, suffix, want string
	}{
		{"+1 (555) 000-1234", "@c.us", "15550001234@c.us"},
		{"628123", "@telegram", "628123@telegram"},
		{"abc", "@c.us", "@c.us"},
	}
	for _, tt := range tests {
		if got := Address(tt.phone, tt.suffix); got != tt.want {
			t.Errorf("Address(%q) = %q, want %q", tt.phone, got, tt.want)
		}
	}
}

func TestSplitAddress(t *testing.T) {
	if d, err := SplitAddress("15550001234@c.us", "@c.us"); err != nil || d != "15550001234" {
		t.Fatalf("SplitAddress = %q, %v", d, err)
	}
	for _, bad := range []string{"@c.us", "15550001234", "12a4@c.us"} {
		if _, err := SplitAddress(bad, "@c.us"); !errors.Is(err, ErrBadAddress) {
			t.Errorf("SplitAddress(%q) = %v, want ErrBadAddress", bad, err)
		}
	}
}

func TestIsLockError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("connect: %w", ErrSessionLocked), true},
		{errors.New("Failed to create /data/session/SingletonLock: File exists"), true},
		{errors.New("unauthorized"), false},
	}
	for _, tt := range tests {
		if got := IsLockError(tt.err); got != tt.want {
			t.Errorf("IsLockError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
