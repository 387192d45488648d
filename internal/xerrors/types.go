package xerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so boundaries (HTTP, tool results) can map them
// without inspecting error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidDesign
	KindInvalidInput
	KindAccessDenied
	KindNotFound
	KindIsDirectory
	KindNotDirectory
	KindAlreadyExists
	KindConflict
	KindTooLarge
	KindIOError
	KindTimeout
	KindCancelled
	KindUpstreamFailure
	KindModelError
	KindToolError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidDesign:
		return "invalid_design"
	case KindInvalidInput:
		return "invalid_input"
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindIsDirectory:
		return "is_directory"
	case KindNotDirectory:
		return "not_directory"
	case KindAlreadyExists:
		return "already_exists"
	case KindConflict:
		return "conflict"
	case KindTooLarge:
		return "too_large"
	case KindIOError:
		return "io_error"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindUpstreamFailure:
		return "upstream_failure"
	case KindModelError:
		return "model_error"
	case KindToolError:
		return "tool_error"
	default:
		return "unknown"
	}
}

// Error carries a kind, the failing operation and an optional path.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "editor.read"
	Path string // file or resource path when relevant
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an Error. Args are interpreted by type: string sets the path
// the first time and wraps as a message afterwards, error sets the cause.
func E(kind Kind, op string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Op: op}
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			if e.Path == "" {
				e.Path = v
			} else {
				e.Err = errors.New(v)
			}
		case error:
			e.Err = v
		}
	}
	return e
}

// KindOf extracts the kind from err, unwrapping as needed. Context errors map
// to their canonical kinds so callers do not need special cases.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code surfaced at the HTTP boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidDesign, KindInvalidInput:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindAlreadyExists:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
