package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a sequence number is outside the listing or a
// message has no backing file.
var ErrNotFound = errors.New("no such message")

// StorageError reports a failure to access the mail directory or a message file.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
