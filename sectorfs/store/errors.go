package store

import (
	"errors"
	"fmt"

	"github.com/ztrue/tracerr"
)

var (
	// ErrStorage matches every *StorageError
	ErrStorage = errors.New("storage error")
	// ErrInvalidSector sector size, content or sequence number out of bounds
	ErrInvalidSector = errors.New("invalid sector")
	// ErrNoSuchSector sector id does not exist
	ErrNoSuchSector = errors.New("no such sector")
)

// StorageError is a datastore failure of operation Op
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: tracerr.Wrap(err)}
}
