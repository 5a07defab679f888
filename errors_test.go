package msgbuf

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewFlowError("delete_flow", 3, ErrNotFound, "no such flow")

	if err.Op != "delete_flow" {
		t.Errorf("Expected Op=delete_flow, got %s", err.Op)
	}
	if err.Code != ErrNotFound {
		t.Errorf("Expected Code=ErrNotFound, got %s", err.Code)
	}

	expected := "msgbuf: no such flow (op=delete_flow flow=3)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorCodesMatch(t *testing.T) {
	err := NewError("ioctl", ErrTimeout, "no response")

	if !errors.Is(err, ErrTimeout) {
		t.Error("Expected errors.Is to match the error code")
	}
	if errors.Is(err, ErrClosed) {
		t.Error("Expected errors.Is not to match a different code")
	}
	if !IsCode(err, ErrTimeout) {
		t.Error("Expected IsCode to match")
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("boom")
	err := WrapError("attach", inner)

	if err.Code != ErrIOError {
		t.Errorf("Expected plain errors to wrap as ErrIOError, got %s", err.Code)
	}
	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for the inner error")
	}

	// structured errors keep their code
	rewrapped := WrapError("submit", NewError("flow_create", ErrResourceExhausted, "no free flow id"))
	if rewrapped.Code != ErrResourceExhausted {
		t.Errorf("Expected code to survive wrapping, got %s", rewrapped.Code)
	}
	if rewrapped.Op != "submit" {
		t.Errorf("Expected outer op, got %s", rewrapped.Op)
	}

	if WrapError("noop", nil) != nil {
		t.Error("Expected wrapping nil to return nil")
	}
}
