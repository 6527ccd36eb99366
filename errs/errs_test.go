package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("while loading dose: %w", New(KindNotFound, "dose abc", nil))

	if !errors.Is(err, NotFound) {
		t.Errorf("errors.Is(err, NotFound) = false, want true")
	}
	if errors.Is(err, ConstraintViolation) {
		t.Errorf("errors.Is(err, ConstraintViolation) = true, want false")
	}
	if got := KindOf(err); got != KindNotFound {
		t.Errorf("KindOf(err) = %v, want %v", got, KindNotFound)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindUnknown)
	}
}

func TestUnwrapReachesInner(t *testing.T) {
	inner := errors.New("disk on fire")
	err := New(KindStorageUnavailable, "while committing", inner)

	if !errors.Is(err, inner) {
		t.Errorf("errors.Is(err, inner) = false, want true")
	}
	if got, want := err.Error(), "while committing (storage unavailable): disk on fire"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
