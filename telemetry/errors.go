package telemetry

import "errors"

var (
	// ErrConcurrentRequest rejects a second one-shot request while one is
	// already in flight. Callers retry after the first resolves.
	ErrConcurrentRequest = errors.New("one-shot location request already in flight")

	// ErrUnknownAuthorization means the platform reported an authorization
	// state this package does not understand.
	ErrUnknownAuthorization = errors.New("unknown location authorization state")

	// ErrNoFix means no sample arrived within the one-shot timeout.
	ErrNoFix = errors.New("no location fix obtained")
)

// PermissionDeniedError carries a human-actionable recovery hint so the UI
// can render it without knowing where the error came from.
type PermissionDeniedError struct {
	RecoveryHint string
}

func (e *PermissionDeniedError) Error() string {
	return "location permission denied: " + e.RecoveryHint
}

// RecoveryHintFromError extracts the hint, if err is a permission denial.
func RecoveryHintFromError(err error) (string, bool) {
	var perr *PermissionDeniedError
	if errors.As(err, &perr) {
		return perr.RecoveryHint, true
	}
	return "", false
}
