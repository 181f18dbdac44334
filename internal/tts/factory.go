package tts

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts-batch/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.ProviderConfig) (Synthesizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		})
	case "exec":
		if cfg.Command == "" {
			return nil, fmt.Errorf("provider.command is required for exec mode")
		}
		return NewExecSynth(cfg.Command)
	case "mock", "":
		return NewMockSynth(0), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
	}
}

// RequestFor fills the provider-wide fields of a request for input.
func RequestFor(cfg config.ProviderConfig, input string) Request {
	return Request{
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		Input:        input,
		Format:       cfg.Format,
		Instructions: cfg.Instructions,
		Speed:        cfg.Speed,
	}
}
