package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("New() = %q is not a UUID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestReference(t *testing.T) {
	ref := Reference("fund")
	if !strings.HasPrefix(ref, "SH-FUND-") {
		t.Fatalf("unexpected prefix: %q", ref)
	}
	if len(ref) != len("SH-FUND-")+32 {
		t.Fatalf("unexpected length %d for %q", len(ref), ref)
	}
	if ref != strings.ToUpper(ref) {
		t.Fatalf("reference not upper-case: %q", ref)
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Fatal("expected invalid")
	}
}
