package tts

import (
	"context"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	mockSampleRate = 22050
	mockBitDepth   = 16
	mockPerRune    = 60 * time.Millisecond
	mockMinimum    = 200 * time.Millisecond
)

type mockSynth struct {
	sampleRate int
	latency    time.Duration
}

// NewMockSynth returns a synthesizer that produces silence sized to the input.
// wav requests get a RIFF container, every other format gets raw 16-bit PCM.
func NewMockSynth(latency time.Duration) Synthesizer {
	return &mockSynth{sampleRate: mockSampleRate, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	duration := time.Duration(utf8.RuneCountInString(req.Input)) * mockPerRune
	if duration < mockMinimum {
		duration = mockMinimum
	}
	samples := int(duration.Seconds() * float64(m.sampleRate))

	if req.Format != "wav" {
		return make([]byte, samples*mockBitDepth/8), nil
	}

	buf := &seekBuffer{}
	enc := wav.NewEncoder(buf, m.sampleRate, mockBitDepth, 1, 1)
	pcm := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: m.sampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: mockBitDepth,
	}
	if err := enc.Write(pcm); err != nil {
		return nil, Permanent("mock", err)
	}
	if err := enc.Close(); err != nil {
		return nil, Permanent("mock", err)
	}
	return buf.data, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes once all samples are written.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("seekBuffer: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("seekBuffer: negative position")
	}
	b.pos = int(next)
	return next, nil
}
