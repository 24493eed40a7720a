// Package apperr defines the sentinel errors shared across layers.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnsupported   = errors.New("unsupported operation")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownKind   = errors.New("unknown entity kind")
	ErrUpload        = errors.New("asset upload failed")
)
