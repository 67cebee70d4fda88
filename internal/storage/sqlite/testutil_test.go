package sqlite

import (
	"errors"
	"testing"

	"github.com/beadscore/beads/internal/beaderr"
)

// assertCode fails t unless err is a *beaderr.Error carrying code.
func assertCode(t *testing.T, err error, code beaderr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var be *beaderr.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *beaderr.Error with code %s, got %T: %v", code, err, err)
	}
	if be.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, be.Code, err)
	}
}
