package crawler

import (
	"fmt"
)

// RetryableNetworkError wraps transient navigation failures (timeouts, resets).
type RetryableNetworkError struct {
	URL string
	Err error
}

func (e *RetryableNetworkError) Error() string {
	return fmt.Sprintf("retryable network error for %s: %v", e.URL, e.Err)
}

func (e *RetryableNetworkError) Unwrap() error { return e.Err }

// SlotInvalidError reports a torn-down browsing context; it triggers
// recovery, never task failure.
type SlotInvalidError struct {
	Slot int
	Err  error
}

func (e *SlotInvalidError) Error() string {
	return fmt.Sprintf("slot %d invalid: %v", e.Slot, e.Err)
}

func (e *SlotInvalidError) Unwrap() error { return e.Err }

// BlockDetectedError is raised when a response looks like an anti-bot block.
type BlockDetectedError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *BlockDetectedError) Error() string {
	return fmt.Sprintf("blocked at %s (status %d): %s", e.URL, e.StatusCode, e.Reason)
}

// TerminalTaskError is recorded against the task, which is then abandoned.
type TerminalTaskError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *TerminalTaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *TerminalTaskError) Unwrap() error { return e.Err }

// FatalPoolError means no slot can be recovered; the batch halts.
type FatalPoolError struct {
	Retired int
	Err     error
}

func (e *FatalPoolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("worker pool exhausted: %d slots retired", e.Retired)
	}
	return fmt.Sprintf("worker pool exhausted: %d slots retired: %v", e.Retired, e.Err)
}

func (e *FatalPoolError) Unwrap() error { return e.Err }
