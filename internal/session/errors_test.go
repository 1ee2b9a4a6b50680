package session

import (
	"errors"
	"strings"
	"testing"
)

func TestPersistenceErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := persistenceError(cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected the cause to survive wrapping")
	}
	if !strings.Contains(err.Error(), "connection reset by peer") {
		t.Fatalf("expected the cause in the log form, got %q", err.Error())
	}
	if err.Message != "operation failed, nothing was changed" {
		t.Fatalf("wire message leaked the cause: %q", err.Message)
	}
}
