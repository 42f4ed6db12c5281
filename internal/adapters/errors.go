package adapters

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this module matches exactly one
// of these with errors.Is.
var (
	ErrNoAdapterFound      = errors.New("no adapter found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrLoginFailed         = errors.New("login failed")
	ErrSessionExpired      = errors.New("session expired")
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrMismatchedCount     = errors.New("mismatched count")
	ErrPlatformUnavailable = errors.New("platform unavailable")
	ErrStorage             = errors.New("storage error")
	ErrInvalidFlag         = errors.New("invalid flag")
	ErrInvalidQuery        = errors.New("invalid query")
)

var kinds = []error{
	ErrNoAdapterFound,
	ErrInvalidCredentials,
	ErrLoginFailed,
	ErrSessionExpired,
	ErrChallengeNotFound,
	ErrMismatchedCount,
	ErrPlatformUnavailable,
	ErrStorage,
	ErrInvalidFlag,
	ErrInvalidQuery,
}

// Error records the operation and key that failed along with the
// error kind and the underlying cause.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Key != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Key)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail builds an *Error of the given kind.
func Fail(op, key string, kind, cause error) error {
	return &Error{Op: op, Key: key, Kind: kind, Err: cause}
}

// Wrap annotates err with op and key. The kind is taken from err when
// it already carries one; otherwise fallback is used. A nil err stays nil.
func Wrap(op, key string, err, fallback error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if key == "" {
			key = e.Key
		}
		cause := e.Err
		if e.Op != "" && e.Op != op {
			if cause == nil {
				cause = errors.New(e.Op)
			} else {
				cause = fmt.Errorf("%s: %w", e.Op, cause)
			}
		}
		return &Error{Op: op, Key: key, Kind: e.Kind, Err: cause}
	}
	kind := KindOf(err)
	if kind == nil {
		kind = fallback
	}
	return &Error{Op: op, Key: key, Kind: kind, Err: stripKind(err, kind)}
}

// KindOf returns the error kind err matches, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a short label for err's kind, for metrics and logs.
func KindName(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "error"
	case ErrNoAdapterFound:
		return "no_adapter"
	case ErrInvalidCredentials:
		return "invalid_credentials"
	case ErrLoginFailed:
		return "login_failed"
	case ErrSessionExpired:
		return "session_expired"
	case ErrChallengeNotFound:
		return "challenge_not_found"
	case ErrMismatchedCount:
		return "mismatched_count"
	case ErrPlatformUnavailable:
		return "unavailable"
	case ErrStorage:
		return "storage"
	case ErrInvalidFlag:
		return "invalid_flag"
	default:
		return "invalid_query"
	}
}

// stripKind drops a bare sentinel cause so messages don't repeat the
// kind twice.
func stripKind(err, kind error) error {
	if err == kind {
		return nil
	}
	return err
}
