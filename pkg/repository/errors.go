package repository

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrStructural         = errors.New("repository: required file or directory missing")
	ErrSchema             = errors.New("repository: malformed document")
	ErrDuplicateID        = errors.New("repository: duplicate credential id")
	ErrLegacyFormat       = errors.New("repository: legacy record format")
	ErrCriticalCorruption = errors.New("repository: critical corruption")
	ErrRepairIncomplete   = errors.New("repository: repair left residual issues")
	ErrIO                 = errors.New("repository: i/o failure")
	ErrStagingNotEmpty    = errors.New("repository: staging directory is not empty")
	ErrInsufficientDisk   = errors.New("repository: insufficient disk space")
)

// IOError wraps a filesystem failure with the operation and path involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("repository: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIO) hold for every IOError.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// Err returns the sentinel error for the issue's category.
func (i Issue) Err() error {
	switch i.Category {
	case MissingDirectory, MissingMetadata:
		return ErrStructural
	case LegacyFormat:
		return ErrLegacyFormat
	case DuplicateID:
		return ErrDuplicateID
	case SchemaError, OrphanedTypeReference, CountMismatch:
		return ErrSchema
	default:
		return ErrCriticalCorruption
	}
}

// ErrorFor maps a report's most significant issue to its sentinel error.
// It returns nil when the report is not fatal.
func ErrorFor(r *Report) error {
	if r == nil || !r.Fatal {
		return nil
	}
	var first *Issue
	for i := range r.Issues {
		is := &r.Issues[i]
		if is.Severity != Critical {
			continue
		}
		if is.Category == DuplicateID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, is.Description)
		}
		if first == nil {
			first = is
		}
	}
	if first == nil {
		return nil
	}
	if first.RecordLevel() {
		return fmt.Errorf("%w: %s: %s", ErrSchema, first.Path, first.Description)
	}
	return fmt.Errorf("%w: %s: %s", ErrCriticalCorruption, first.Path, first.Description)
}
