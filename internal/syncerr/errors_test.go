package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUnavailable_WrapsOnce(t *testing.T) {
	base := errors.New("connection reset")
	err := Unavailable(base)
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to match base")
	}
	if again := Unavailable(err); again != err {
		t.Errorf("Unavailable rewrapped an already classified error: %v", again)
	}
	if Unavailable(nil) != nil {
		t.Error("Unavailable(nil) should be nil")
	}
}

func TestOpError_Classification(t *testing.T) {
	err := fmt.Errorf("move: %w", &OpError{Op: "move", Item: "a1", Name: "A", Err: Invalid("cannot move %q into itself", "A")})

	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
	oe, ok := AsOpError(err)
	if !ok {
		t.Fatal("expected OpError")
	}
	if oe.Item != "a1" || oe.Op != "move" {
		t.Errorf("unexpected OpError fields: %+v", oe)
	}
}

func TestBatchError_MatchesItemErrors(t *testing.T) {
	be := &BatchError{
		Op: "delete",
		Failures: []*OpError{
			{Op: "delete", Item: "f2", Err: Unavailable(errors.New("503"))},
		},
		MaybeApplied: []string{"f1"},
	}
	var err error = be

	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Error("expected batch error to match item error class")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("batch error should not match unrelated class")
	}
	got, ok := AsBatchError(fmt.Errorf("wrapped: %w", err))
	if !ok || got != be {
		t.Fatal("expected AsBatchError to unwrap")
	}
	if !strings.Contains(err.Error(), "f1") || !strings.Contains(err.Error(), "f2") {
		t.Errorf("error message should name failed and applied items: %s", err.Error())
	}
}

func TestRemote(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"plain", errors.New("eof"), ErrRemoteUnavailable},
		{"not found", NotFound("x"), ErrNotFound},
		{"unsupported", fmt.Errorf("%w: container copy", ErrUnsupported), ErrUnsupported},
		{"invalid", Invalid("bad name"), ErrInvalidOperation},
	}
	for _, tt := range tests {
		if got := Remote(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("Remote(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if errors.Is(Remote(Invalid("bad name")), ErrRemoteUnavailable) {
		t.Error("Remote reclassified an invalid operation as unavailable")
	}
	if Remote(nil) != nil {
		t.Error("Remote(nil) should be nil")
	}
}
