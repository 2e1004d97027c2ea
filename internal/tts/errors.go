package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceViolation is returned when an adapter operation is called
	// out of lifecycle order.
	ErrSequenceViolation = errors.New("tts: utterance sequence violation")

	// ErrUtteranceCancelled is returned by EndUtterance when the utterance was
	// cancelled before it drained.
	ErrUtteranceCancelled = errors.New("tts: utterance cancelled")

	// ErrSynthesisFailed marks backend failures.
	ErrSynthesisFailed = errors.New("tts: synthesis failed")

	ErrEmptyText = errors.New("tts: text cannot be empty")
)

// SynthesisError describes a failed synthesis for one sentence.
type SynthesisError struct {
	Backend     string
	UtteranceID string
	Sequence    int
	Text        string
	Attempts    int
	Err         error
}

func (e *SynthesisError) Error() string {
	if e.UtteranceID != "" {
		return fmt.Sprintf("%s: utterance %s sentence %d after %d attempt(s): %v", e.Backend, e.UtteranceID, e.Sequence, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() []error {
	return []error{ErrSynthesisFailed, e.Err}
}

func newBackendError(backend string, err error) *SynthesisError {
	return &SynthesisError{Backend: backend, Err: err}
}
