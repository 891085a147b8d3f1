package archerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindAuth, "auth"},
		{KindNetwork, "network"},
		{KindProcess, "process"},
		{KindIO, "io"},
		{KindData, "data"},
		{KindUnknown, "unknown"},
		{Kind(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("poll stream: %w", Network("helix streams", base))

	if got := KindOf(err); got != KindNetwork {
		t.Errorf("KindOf() = %v, want network", got)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = false")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("errors.Is(err, ErrAuth) = true for a network error")
	}
	if !errors.Is(err, base) {
		t.Error("underlying error lost in chain")
	}
	if KindOf(base) != KindUnknown {
		t.Error("unclassified error should report KindUnknown")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Auth("helix users", errors.New("401"))) {
		t.Error("auth errors must be fatal")
	}
	for _, err := range []error{
		Network("x", nil),
		Process("x", nil),
		IO("x", nil),
		Data("x", nil),
		errors.New("plain"),
	} {
		if IsFatal(err) {
			t.Errorf("IsFatal(%v) = true, want false", err)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := IO("metadata save", errors.New("disk full"))
	if got := err.Error(); got != "metadata save: disk full" {
		t.Errorf("Error() = %q", got)
	}
	if got := Auth("validate", nil).Error(); got != "validate: auth error" {
		t.Errorf("Error() without cause = %q", got)
	}
}
