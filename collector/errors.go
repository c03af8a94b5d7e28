package collector

import "errors"

// UnavailableError marks a full fetch failure: the provider was unreachable,
// rate limited, or timed out. The scheduler reacts by entering backoff and
// not advancing the source's watermark, so the next attempt retries the
// same window.
type UnavailableError struct {
	err error
}

func (e *UnavailableError) Error() string {
	return "source unavailable: " + e.err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.err
}

// NewUnavailableError wraps an error as a recoverable fetch failure.
func NewUnavailableError(err error) error {
	return &UnavailableError{err: err}
}

// IsUnavailable reports whether err marks a recoverable fetch failure.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}
