// Package archerr classifies archiver failures so callers can decide whether an
// error ends the operation or is logged and skipped.
package archerr

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an archiver error.
type Kind int

const (
	// KindUnknown is returned for errors that carry no classification.
	KindUnknown Kind = iota
	// KindAuth covers missing or rejected credentials. Fatal to the calling operation.
	KindAuth
	// KindNetwork covers transient HTTP and connection failures.
	KindNetwork
	// KindProcess covers external recorder/downloader/probe failures.
	KindProcess
	// KindIO covers local filesystem and storage failures.
	KindIO
	// KindData covers malformed upstream payloads.
	KindData
)

// String returns a short name for the kind, used as a log and metric label.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindProcess:
		return "process"
	case KindIO:
		return "io"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels such as ErrAuth.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) && t.Op == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return false
}

// Kind sentinels for errors.Is.
var (
	ErrAuth    = &Error{Kind: KindAuth}
	ErrNetwork = &Error{Kind: KindNetwork}
	ErrProcess = &Error{Kind: KindProcess}
	ErrIO      = &Error{Kind: KindIO}
	ErrData    = &Error{Kind: KindData}
)

func wrap(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Auth wraps err as a credential failure.
func Auth(op string, err error) error { return wrap(KindAuth, op, err) }

// Network wraps err as a transient transport failure.
func Network(op string, err error) error { return wrap(KindNetwork, op, err) }

// Process wraps err as an external process failure.
func Process(op string, err error) error { return wrap(KindProcess, op, err) }

// IO wraps err as a local storage failure.
func IO(op string, err error) error { return wrap(KindIO, op, err) }

// Data wraps err as a malformed payload.
func Data(op string, err error) error { return wrap(KindData, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the operation that produced it.
func IsFatal(err error) bool {
	return KindOf(err) == KindAuth
}
