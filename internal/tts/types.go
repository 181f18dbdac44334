package tts

import (
	"context"
	"errors"
	"fmt"
)

// Request contains parameters to synthesize one utterance.
type Request struct {
	Model        string
	Voice        string
	Input        string
	Format       string
	Instructions string
	Speed        float64
}

// Synthesizer is the contract for producing audio.
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// ErrEmptyAudio is returned when a provider answers without audio bytes.
var ErrEmptyAudio = errors.New("provider returned empty audio")

// ProviderError carries the provider's classification of a failed call.
type ProviderError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "error"
	if e.Transient {
		kind = "transient error"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient marks err as retryable capacity or rate-limit trouble.
func Transient(provider string, err error) error {
	return &ProviderError{Provider: provider, Transient: true, Err: err}
}

// Permanent marks err as a failure retrying will not fix.
func Permanent(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a transient provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}
