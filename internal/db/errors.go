package db

import "errors"

var (
	ErrNotFound          = errors.New("notification not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
