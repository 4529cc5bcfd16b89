package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"interestchat/internal/repository"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNotFound, "NOT_FOUND"},
		{KindConflict, "CONFLICT"},
		{KindBadRequest, "BAD_REQUEST"},
		{KindForbidden, "FORBIDDEN"},
		{KindTransient, "TRANSIENT"},
		{KindFatal, "FATAL"},
		{KindUnknown, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestStoreErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", repository.ErrNotFound, KindNotFound},
		{"duplicate", fmt.Errorf("%w: users.nickname", repository.ErrDuplicate), KindConflict},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"driver", errors.New("connection refused"), KindTransient},
		{"already kinded", Forbidden("nope"), KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(storeErr("op", tt.err)); got != tt.want {
				t.Errorf("storeErr() kind = %v, want %v", got, tt.want)
			}
		})
	}
	if storeErr("op", nil) != nil {
		t.Error("storeErr(nil) should be nil")
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindConflict, "nickname taken", ErrNicknameTaken))

	if !errors.Is(err, &Error{Kind: KindConflict}) {
		t.Error("errors.Is() should match by kind")
	}
	if errors.Is(err, &Error{Kind: KindNotFound}) {
		t.Error("errors.Is() should not match a different kind")
	}
	if !errors.Is(err, ErrNicknameTaken) {
		t.Error("errors.Is() should reach the wrapped sentinel")
	}
	if got := Message(err); got != "nickname taken" {
		t.Errorf("Message() = %v, want nickname taken", got)
	}
	if got := Message(errors.New("secret detail")); got != "internal error" {
		t.Errorf("Message() = %v, want internal error", got)
	}
}
