package domain

import "errors"

var (
	// ErrTransientNetwork marks a failure that is expected to go away on its own.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrProviderQuotaExceeded marks a rate limit response from a remote provider.
	ErrProviderQuotaExceeded = errors.New("provider quota exceeded")
	// ErrMalformedResponse marks a response that could not be parsed.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrDuplicateNotification is returned when a notification already exists for a job.
	ErrDuplicateNotification = errors.New("duplicate notification attempt")
	// ErrStageConflict is returned when a compare-and-swap stage update loses.
	ErrStageConflict = errors.New("stage conflict")
	// ErrInvalidTransition is returned for a stage move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrJobNotFound is returned when no job has the requested ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrAnalysisFailed wraps every error that ends an analysis attempt.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// IsRetryable reports whether err is worth an immediate retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrProviderQuotaExceeded)
}
