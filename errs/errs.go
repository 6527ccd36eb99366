// Package errs holds the error taxonomy shared by the record store and the
// tracking engine.
//
// Every error carries a Kind.  Callers branch on the kind with errors.Is
// against the sentinel values below, or with KindOf.
package errs

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConstraintViolation
	KindStorageUnavailable
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConstraintViolation:
		return "constraint violation"
	case KindStorageUnavailable:
		return "storage unavailable"
	case KindValidation:
		return "validation error"
	default:
		return "unknown"
	}
}

// Sentinels for use with errors.Is.  Only the Kind is compared.
var (
	NotFound            = &Error{Kind: KindNotFound, Message: "record not found"}
	ConstraintViolation = &Error{Kind: KindConstraintViolation, Message: "constraint violation"}
	StorageUnavailable  = &Error{Kind: KindStorageUnavailable, Message: "storage unavailable"}
	Validation          = &Error{Kind: KindValidation, Message: "validation failed"}
)

type Error struct {
	Kind    Kind
	Message string

	inner error
	frame xerrors.Frame
}

func New(kind Kind, message string, inner error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		inner:   inner,
		frame:   xerrors.Caller(1),
	}
}

// Newf is New without an inner error and with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}

func (e *Error) Error() string {
	if e.inner == nil {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Message, e.Kind, e.inner)
}

func (e *Error) Format(f fmt.State, c rune) { // implements fmt.Formatter
	xerrors.FormatError(e, f, c)
}

func (e *Error) FormatError(p xerrors.Printer) error { // implements xerrors.Formatter
	p.Print(fmt.Sprintf("%s (%s)", e.Message, e.Kind))
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.inner
}

func (e *Error) Unwrap() error {
	return e.inner
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
