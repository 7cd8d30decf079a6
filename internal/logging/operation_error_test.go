package logging

import (
	"errors"
	"io"
	"testing"
)

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("op", "sess", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	err := NewOperationError("session.read_frame", "abc", io.ErrUnexpectedEOF)
	if got, want := err.Error(), "session.read_frame (session_id=abc): unexpected EOF"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("expected errors.Is to see the wrapped error")
	}

	bare := NewOperationError("server.accept", "", io.EOF)
	if got, want := bare.Error(), "server.accept: EOF"; got != want {
		t.Fatalf("unexpected message: %q, want %q", got, want)
	}
}
