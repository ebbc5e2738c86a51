package feederr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_SurvivesWrapping(t *testing.T) {
	base := Archive("unzip", errors.New("bad header"))
	wrapped := fmt.Errorf("fetch day 2023-01-01: %w", base)

	if got := KindOf(wrapped); got != KindArchive {
		t.Fatalf("kind=%v want %v", got, KindArchive)
	}
	if !errors.Is(wrapped, ArchiveError) {
		t.Fatalf("errors.Is(ArchiveError) should match")
	}
	if errors.Is(wrapped, NetworkError) {
		t.Fatalf("errors.Is(NetworkError) should not match")
	}
}

func TestKindOf_UnclassifiedIsUnknown(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("kind=%v want unknown", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("nil kind=%v want unknown", got)
	}
}

func TestInvalid_FormatsMessage(t *testing.T) {
	err := Invalid("fetch", "invalid day %q", "nope")
	if err.Error() != `fetch: invalid day "nope"` {
		t.Fatalf("msg=%q", err.Error())
	}
	if !errors.Is(err, InvalidInput) {
		t.Fatalf("expected InvalidInput")
	}
}
