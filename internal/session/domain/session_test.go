package domain

import (
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got, want := NewID("alice/../x", at), "alice----x-e3172893ffe2a122_1700000000123"; got != want {
		t.Errorf("NewID = %q, want %q", got, want)
	}
}

func TestUserKey_DistinctForCollidingIDs(t *testing.T) {
	if SanitizeUserID("a.b") != SanitizeUserID("a b") {
		t.Fatal("ids should sanitize alike")
	}
	a, b := UserKey("a.b"), UserKey("a b")
	if a != "a-b-2e7336dc8eba87ef" || b != "a-b-c8687a08aa5d6ed2" {
		t.Errorf("UserKey = %q, %q", a, b)
	}
	at := time.UnixMilli(1700000000123)
	if NewID("a.b", at) == NewID("a b", at) {
		t.Error("session ids of distinct users created in the same millisecond must differ")
	}
}

func TestSanitizeUserID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"u1", "u1"},
		{"User_One-2", "User_One-2"},
		{"a b", "a-b"},
		{"ü", "-"},
	}
	for _, tt := range tests {
		if got := SanitizeUserID(tt.in); got != tt.want {
			t.Errorf("SanitizeUserID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := DigitsOnly("+1 (555) 123-4567"); got != "15551234567" {
		t.Errorf("DigitsOnly = %q", got)
	}
	if got := DigitsOnly("abc"); got != "" {
		t.Errorf("DigitsOnly(abc) = %q, want empty", got)
	}
}
