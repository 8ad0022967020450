package symcache

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies every error returned by this package. The set is closed.
type Kind uint8

const (
	// KindFormat: the bytes are not a cache this reader can decode.
	KindFormat Kind = iota + 1
	// KindBuild: the builder rejected its input.
	KindBuild
	// KindUnknownArchitecture: an architecture name or tag was not recognized.
	KindUnknownArchitecture
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format error"
	case KindBuild:
		return "build error"
	case KindUnknownArchitecture:
		return "unknown architecture"
	}
	return "unknown error"
}

// Error implements error so that a Kind can be used as an errors.Is target:
//
//	if errors.Is(err, symcache.KindFormat) { ... }
func (k Kind) Error() string {
	return k.String()
}

// Causes attached to errors of KindFormat and KindBuild.
var (
	ErrBadMagic           = errors.New("bad magic")
	ErrWrongEndianness    = errors.New("wrong endianness")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrTruncated          = errors.New("truncated data")
	ErrCorrupt            = errors.New("corrupt table")
	ErrChecksum           = errors.New("checksum mismatch")
	ErrInvalidRange       = errors.New("invalid address range")
	ErrAddressTooWide     = errors.New("address exceeds architecture width")
)

// Error is the single error type returned by the package.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

// StackTrace returns the call stack captured where the error was created.
func (e *Error) StackTrace() errors.StackTrace {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	if st, ok := e.cause.(stackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:  kind,
		Msg:   fmt.Sprintf(format, args...),
		cause: errors.WithStack(cause),
	}
}

func formatError(cause error, format string, args ...interface{}) error {
	return newError(KindFormat, cause, format, args...)
}

func buildError(cause error, format string, args ...interface{}) error {
	return newError(KindBuild, cause, format, args...)
}

func unknownArchError(name string) error {
	return &Error{
		Kind:  KindUnknownArchitecture,
		Msg:   fmt.Sprintf("%q", name),
		cause: errors.New("unknown architecture"),
	}
}

// IsUnknownArchitecture reports whether err is an unknown architecture error.
func IsUnknownArchitecture(err error) bool {
	return errors.Is(err, KindUnknownArchitecture)
}
