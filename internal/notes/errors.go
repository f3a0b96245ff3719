package notes

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers and the reconciler can decide what to do with them.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindValidation is a failed precondition. It is never retried.
	KindValidation
	// KindNotFound means the entity vanished remotely.
	KindNotFound
	// KindTransientRemote is a network, timeout or server failure worth retrying.
	KindTransientRemote
	// KindConflict means the remote store rejected a stale version.
	KindConflict
	// KindFatalLocal is a failure of the local-first store.
	KindFatalLocal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransientRemote:
		return "transient_remote"
	case KindConflict:
		return "conflict"
	case KindFatalLocal:
		return "fatal_local"
	default:
		return "unknown"
	}
}

var (
	// ErrWriteModeOff rejects mutations while edit mode is read-only.
	ErrWriteModeOff = errors.New("notes: write mode is off")
	// ErrMemoCapReached rejects a memo beyond the per-marker cap.
	ErrMemoCapReached = errors.New("notes: memo cap reached")
	// ErrMarkerNotFound reports an unknown or deleted marker.
	ErrMarkerNotFound = errors.New("notes: marker not found")
	// ErrMemoNotFound reports an unknown or deleted memo.
	ErrMemoNotFound = errors.New("notes: memo not found")
	// ErrInvalidContent rejects empty or oversized memo content.
	ErrInvalidContent = errors.New("notes: invalid memo content")
	// ErrInvalidPosition rejects coordinates outside WGS 84 bounds.
	ErrInvalidPosition = errors.New("notes: invalid position")
	// ErrNoTemporaryMarker reports a commit without a dropped pin.
	ErrNoTemporaryMarker = errors.New("notes: no temporary marker")
	// ErrUnauthenticated reports a missing current user.
	ErrUnauthenticated = errors.New("notes: unauthenticated")
)

// Error is the typed failure returned by managers and remote store clients.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Validation wraps err as a precondition failure of op.
func Validation(op string, err error) error {
	return &Error{Op: op, Kind: KindValidation, Err: err}
}

// NotFound wraps err as a remote not-found failure of op.
func NotFound(op string, err error) error {
	return &Error{Op: op, Kind: KindNotFound, Err: err}
}

// TransientRemote wraps err as a retryable remote failure of op.
func TransientRemote(op string, err error) error {
	return &Error{Op: op, Kind: KindTransientRemote, Err: err}
}

// Conflict wraps err as a version conflict reported for op.
func Conflict(op string, err error) error {
	return &Error{Op: op, Kind: KindConflict, Err: err}
}

// FatalLocal wraps err as a local store failure of op.
func FatalLocal(op string, err error) error {
	return &Error{Op: op, Kind: KindFatalLocal, Err: err}
}

// ServiceError reports a manager that could not be constructed.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
