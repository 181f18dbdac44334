package tts

import (
	"context"
	"sync"
	"time"
)

// Scripted is an in-process synthesizer whose failures follow a plan. It backs
// dry runs and tests that need to count provider calls.
type Scripted struct {
	// Plan, when set, decides the outcome of each call. attempt is 1-based per input.
	Plan func(req Request, attempt int) error
	// Delay is slept before answering.
	Delay time.Duration
	// Audio, when set, produces the payload; defaults to the input bytes.
	Audio func(req Request) []byte

	mu      sync.Mutex
	calls   int
	byInput map[string]int
}

func (s *Scripted) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	s.mu.Lock()
	if s.byInput == nil {
		s.byInput = make(map[string]int)
	}
	s.calls++
	s.byInput[req.Input]++
	attempt := s.byInput[req.Input]
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Plan != nil {
		if err := s.Plan(req, attempt); err != nil {
			return nil, err
		}
	}
	if s.Audio != nil {
		return s.Audio(req), nil
	}
	return []byte("audio:" + req.Input), nil
}

// Calls returns the total number of Synthesize invocations.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// CallsFor returns how many times input was requested.
func (s *Scripted) CallsFor(input string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byInput[input]
}

// FailTimes returns a plan that fails the first k attempts of every input with err.
func FailTimes(k int, err error) func(Request, int) error {
	return func(_ Request, attempt int) error {
		if attempt <= k {
			return err
		}
		return nil
	}
}
