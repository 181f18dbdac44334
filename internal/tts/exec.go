package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

const providerExec = "exec"

// exitTempFail is sysexits EX_TEMPFAIL; commands use it to ask for a retry.
const exitTempFail = 75

type execSynth struct {
	cmd []string
}

type execRequest struct {
	Model        string  `json:"model"`
	Voice        string  `json:"voice"`
	Input        string  `json:"input"`
	Format       string  `json:"response_format"`
	Instructions string  `json:"instructions,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
	Transient   bool   `json:"transient,omitempty"`
}

// NewExecSynth runs command once per request. The request is written to stdin
// as JSON; the command answers with JSON lines carrying base64 audio chunks.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	data, err := json.Marshal(execRequest{
		Model:        req.Model,
		Voice:        req.Voice,
		Input:        req.Input,
		Format:       req.Format,
		Instructions: req.Instructions,
		Speed:        req.Speed,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
			return nil, Transient(providerExec, fmt.Errorf("tts command asked for retry: %s", bytes.TrimSpace(stderr.Bytes())))
		}
		return nil, Permanent(providerExec, fmt.Errorf("tts command failed: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes())))
	}

	var audio bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, Permanent(providerExec, fmt.Errorf("decode tts response: %w", err))
		}
		if resp.Error != "" {
			if resp.Transient {
				return nil, Transient(providerExec, errors.New(resp.Error))
			}
			return nil, Permanent(providerExec, errors.New(resp.Error))
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			return nil, Permanent(providerExec, fmt.Errorf("decode audio chunk: %w", err))
		}
		audio.Write(chunk)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, Permanent(providerExec, err)
	}
	if audio.Len() == 0 {
		return nil, ErrEmptyAudio
	}
	return audio.Bytes(), nil
}
