//go:build js && wasm

package lockfile

import (
	"errors"
	"fmt"
	"os"
)

var errLocked = errors.New("lock already held by another process")

func flockExclusive(f *os.File) error {
	// WASM doesn't support file locking; a WASM host is typically
	// single-process anyway.
	return fmt.Errorf("file locking not supported in WASM")
}
