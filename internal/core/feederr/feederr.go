// Package feederr classifies failures of the feed pipeline into a small set
// of kinds that callers map to user-visible behavior.
package feederr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNetwork
	KindArchive
	KindParse
	KindCallback
	KindCacheIO
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNetwork:
		return "network"
	case KindArchive:
		return "archive"
	case KindParse:
		return "parse"
	case KindCallback:
		return "callback"
	case KindCacheIO:
		return "cache_io"
	default:
		return "unknown"
	}
}

// sentinels so callers can use errors.Is(err, feederr.NetworkError)
var (
	InvalidInput  = &sentinel{KindInvalidInput}
	NetworkError  = &sentinel{KindNetwork}
	ArchiveError  = &sentinel{KindArchive}
	ParseError    = &sentinel{KindParse}
	CallbackError = &sentinel{KindCallback}
	CacheIOError  = &sentinel{KindCacheIO}
)

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Error is a kind-tagged failure. Op names the stage that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

func Network(op string, err error) error  { return New(KindNetwork, op, err) }
func Archive(op string, err error) error  { return New(KindArchive, op, err) }
func Parse(op string, err error) error    { return New(KindParse, op, err) }
func Callback(op string, err error) error { return New(KindCallback, op, err) }
func CacheIO(op string, err error) error  { return New(KindCacheIO, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
