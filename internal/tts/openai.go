package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const providerOpenAI = "openai"

// OpenAIConfig holds configuration for the OpenAI speech backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // default: "https://api.openai.com/v1"
	Timeout time.Duration
}

// OpenAI synthesizes speech through the /audio/speech endpoint.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI synthesizer with sensible defaults applied.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required (set OPENAI_API_KEY)")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	ocfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		ocfg.BaseURL = cfg.BaseURL
	}
	ocfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{client: openai.NewClientWithConfig(ocfg)}, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(req.Model),
		Input:          req.Input,
		Voice:          openai.SpeechVoice(req.Voice),
		Instructions:   req.Instructions,
		ResponseFormat: openai.SpeechResponseFormat(req.Format),
		Speed:          req.Speed,
	})
	if err != nil {
		return nil, classifyOpenAI(ctx, err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(providerOpenAI, fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

func classifyOpenAI(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: providerOpenAI, Status: apiErr.HTTPStatusCode, Transient: retryableStatus(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: providerOpenAI, Status: reqErr.HTTPStatusCode, Transient: retryableStatus(reqErr.HTTPStatusCode), Err: err}
	}
	return &ProviderError{Provider: providerOpenAI, Transient: retryableNetwork(err), Err: err}
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

func retryableNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
