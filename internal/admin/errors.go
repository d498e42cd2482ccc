package admin

import (
	"errors"

	"github.com/lalithlochan/courier/internal/db"
)

var (
	// ErrNotFound is db.ErrNotFound, re-exported so handlers need only this package.
	ErrNotFound = db.ErrNotFound
	// ErrInvalidState means the notification is not in a status the operation accepts.
	ErrInvalidState = errors.New("notification is not in a retryable state")
)
