package session

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrSessionConflict  = errors.New("session: a repository is already open")
	ErrNoSession        = errors.New("session: no repository is open")
	ErrSessionBusy      = errors.New("session: repository is being saved")
	ErrRepairRequired   = errors.New("session: repository needs repair but repair is disabled")
	ErrRepositoryExists = errors.New("session: repository already exists at this path")
	ErrNoIndex          = errors.New("session: search index not configured")
	ErrTooManyAttempts  = errors.New("session: too many failed open attempts")
	ErrCooldownActive   = errors.New("session: cooldown period active")
)

// OpenError is returned by Open. Report holds whatever validation ran
// before the failure and may be nil if extraction failed.
type OpenError struct {
	Path   string
	Report *OpenReport
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("session: open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// SaveError is returned by Save. The in-memory model and the archive on
// disk are both unchanged when it is returned.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("session: save %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }
