package suuid

import (
	"testing"

	"github.com/google/uuid"
)

func TestFromUUID_Deterministic(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	a := FromUUID(id)
	b := FromUUID(id)
	if a != b {
		t.Errorf("expected deterministic encoding, got %s and %s", a, b)
	}
	if len(a) != Length {
		t.Errorf("expected length %d, got %d (%s)", Length, len(a), a)
	}
	if !Valid(a) {
		t.Errorf("expected %s to be valid", a)
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		_, s := New()
		if seen[s] {
			t.Fatalf("duplicate suuid %s", s)
		}
		seen[s] = true
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abcd-efgh-ijkm-npqr", true},
		{"abcd-efgh-ijkm-npq", false},
		{"abcdefghijkmnpqrstu", false},
		{"abcd-efgh-ijkl-npqr", false}, // 'l' is not in the alphabet
		{"../../etc/passwd!!!", false},
	}

	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShard(t *testing.T) {
	ab, cd := Shard("7Ahd-Kp2q-xYtR-93Lm")
	if ab != "7A" || cd != "hd" {
		t.Errorf("got %s/%s, want 7A/hd", ab, cd)
	}
}
