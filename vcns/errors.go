package vcns

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned once transient-retry attempts are
	// exhausted. Callers mark the touched binding ERROR and leave cleanup
	// to the reconciler.
	ErrBackendUnavailable = errors.New("vcns: backend unavailable")

	// ErrNotifierClosed is returned from task submission after Close.
	ErrNotifierClosed = errors.New("vcns: task notifier closed")
)

// Backend error codes the client recognizes.
const (
	// errCodeEdgeNotRunning means the appliance is mid-operation and the
	// request should be replayed once the backend settles.
	errCodeEdgeNotRunning = 10013
)

// ManagerError is a backend rejection. It is never retried except for the
// busy codes above; everything else surfaces directly to the caller.
type ManagerError struct {
	// Status is the HTTP status of the response.
	Status int
	// Code is the backend's errorCode, when the body carried one.
	Code int
	// Detail is the backend's human-readable details field.
	Detail string
}

func (e *ManagerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("vcns: manager error (status %d, code %d): %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("vcns: manager error (status %d): %s", e.Status, e.Detail)
}

// managerErrorBody is the backend's error response shape.
type managerErrorBody struct {
	ErrorCode  int    `json:"errorCode"`
	Details    string `json:"details"`
	ModuleName string `json:"moduleName,omitempty"`
}

// IsManagerError reports whether err carries a backend rejection.
func IsManagerError(err error) bool {
	var me *ManagerError
	return errors.As(err, &me)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var me *ManagerError
	return errors.As(err, &me) && me.Status == 404
}

// IsBackendUnavailable reports whether err means the backend could not be
// reached even after retries.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// retryable decides which failures are worth replaying: gateway errors and
// the backend's busy codes. Manager rejections are final; anything that
// never produced a manager response (connection refused, reset, EOF
// mid-body) is transient by assumption.
func retryable(err error) bool {
	var me *ManagerError
	if errors.As(err, &me) {
		switch {
		case me.Code == errCodeEdgeNotRunning:
			return true
		case me.Status == 502 || me.Status == 503 || me.Status == 504:
			return true
		}
		return false
	}
	return true
}
