package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes per-item failures for handling decisions.
type ErrorKind string

// Error kinds.
const (
	KindTransient      ErrorKind = "transient_network"
	KindPermanentFetch ErrorKind = "permanent_fetch"
	KindParse          ErrorKind = "parse"
	KindStorage        ErrorKind = "storage"
	KindConfig         ErrorKind = "config"
)

// Error is a categorized failure carried as data through the pipeline.
type Error struct {
	Kind ErrorKind
	Op   string
	URL  string
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrTransient      = &Error{Kind: KindTransient}
	ErrPermanentFetch = &Error{Kind: KindPermanentFetch}
	ErrParse          = &Error{Kind: KindParse}
	ErrStorage        = &Error{Kind: KindStorage}
	ErrConfig         = &Error{Kind: KindConfig}
)

// ErrBodyTooLarge marks a response whose body exceeded the byte ceiling.
var ErrBodyTooLarge = errors.New("exceeds size limit")

// NewError builds a categorized error.
func NewError(kind ErrorKind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " error during " + e.Op
	}
	if e.URL != "" {
		msg += " on " + e.URL
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
