package snapshot

import "errors"

var (
	// ErrNetworkUnavailable wraps transport-level failures reaching the
	// backend. Callers may retry; the fetcher never retries on its own.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrAuthExpired means the bearer token was rejected. The auth layer
	// owns refresh; the fetcher only propagates.
	ErrAuthExpired = errors.New("authorization expired")
)

// DecodingError reports a response body that could not be decoded. Surfaced
// to the caller, never retried automatically.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string {
	return "decoding ride snapshot: " + e.Err.Error()
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// DomainError is a backend-reported business failure. Message is suitable
// for rendering without the UI knowing the code.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return e.Code + ": " + e.Message
}

// codeRideLocationMissing is the backend's code for a ride without any
// recorded location. It gets a recovery message the UI can show as-is.
const codeRideLocationMissing = "RIDE_LOCATION_NOT_FOUND"

// DomainErrorCode extracts the backend code from err, if it is a DomainError.
func DomainErrorCode(err error) (string, bool) {
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr.Code, true
	}
	return "", false
}
