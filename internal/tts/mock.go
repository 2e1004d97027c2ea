package tts

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-translator/internal/audio"
)

const mockRuneDuration = 10 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a backend that answers with silence, 10ms per rune.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if req.Text == "" {
		return Audio{}, newBackendError("mock", ErrEmptyText)
	}
	select {
	case <-ctx.Done():
		return Audio{}, newBackendError("mock", ctx.Err())
	case <-time.After(20 * time.Millisecond):
	}
	d := time.Duration(utf8.RuneCountInString(req.Text)) * mockRuneDuration
	return Audio{
		PCM:        audio.Silence(d, m.sampleRate, m.channels),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}
