package approval

import "fmt"

// RejectedError is the terminal result of an explicit human rejection.
// Not a transient fault: never retried.
type RejectedError struct {
	Feedback string
}

func (e *RejectedError) Error() string {
	if e.Feedback != "" {
		return "approval rejected: " + e.Feedback
	}
	return "approval rejected"
}

// TimedOutError is the terminal result of an unanswered request. Surfaced
// distinctly from rejection so the UI can offer resume messaging.
type TimedOutError struct {
	Timeout string
}

func (e *TimedOutError) Error() string {
	if e.Timeout != "" {
		return fmt.Sprintf("approval timed out after %s", e.Timeout)
	}
	return "approval timed out"
}

// CancelledError is the terminal result of an explicit cancellation,
// typically a session disconnect.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return "approval cancelled: " + e.Reason
	}
	return "approval cancelled"
}

// ErrorFor maps a non-approved resolution to its terminal error.
func ErrorFor(res Resolution) error {
	switch res.Outcome {
	case OutcomeRejected:
		return &RejectedError{Feedback: res.Response.UserFeedback}
	case OutcomeTimedOut:
		return &TimedOutError{}
	case OutcomeCancelled:
		return &CancelledError{Reason: res.Reason}
	default:
		return nil
	}
}
