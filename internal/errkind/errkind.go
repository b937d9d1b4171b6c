package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so that batch results can report why an item failed
// without carrying the concrete error type around.
type Kind string

const (
	Connection Kind = "connection"
	Timeout    Kind = "timeout"
	Protocol   Kind = "protocol"
	Upstream   Kind = "upstream"
	ItemIO     Kind = "item_io"
	Config     Kind = "config"
	Internal   Kind = "internal"
	Unknown    Kind = "unknown"
)

// Error is an error tagged with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error from a format string.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the outermost tagged error in the chain. Deadline
// errors that were never tagged count as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
