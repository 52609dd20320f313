package foreman

import (
	"errors"
	"fmt"
)

// ErrNoAgent is returned by StopAgent and AgentLogs when no run exists for
// the card.
var ErrNoAgent = errors.New("no agent running for card")

// AdmissionError is a Gate-0 rejection: the spawn request was refused before
// any side effects happened. The caller can retry later.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused: %s", e.Reason)
}

// IsAdmission reports whether err is an admission rejection.
func IsAdmission(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}

// WorktreeError wraps a failure to prepare the card's worktree. The card has
// been rolled back to the backlog.
type WorktreeError struct {
	CardID string
	Err    error
}

func (e *WorktreeError) Error() string {
	return fmt.Sprintf("worktree setup for card %s: %v", e.CardID, e.Err)
}

func (e *WorktreeError) Unwrap() error { return e.Err }

// CapabilityError is a failed host capability check: a prerequisite binary
// or directory is missing. Always an admission-time failure.
type CapabilityError struct {
	Check string
	Err   error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability check %s: %v", e.Check, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }
