package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-translator/internal/audio"
)

// Request is a complete piece of text to synthesize.
type Request struct {
	Text     string
	Voice    string
	Language string
}

// Audio is 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the audio.
func (a Audio) Duration() time.Duration {
	return audio.Duration(a.PCM, a.SampleRate, a.Channels)
}

// Synthesizer is a one-shot backend: complete text in, complete audio out.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// SentenceUnit is a complete sentence cut from an utterance's text.
type SentenceUnit struct {
	UtteranceID string
	Sequence    int
	Text        string
}

// Segment is the audio published for one SentenceUnit. Placeholder segments
// carry no samples and stand in for sentences whose synthesis failed.
type Segment struct {
	UtteranceID string
	Sequence    int
	Text        string
	Audio       Audio
	Placeholder bool
	Failure     *SynthesisError
}

// Sink receives segments in sequence order. Implementations must not call
// back into the Adapter.
type Sink interface {
	PublishSegment(ctx context.Context, seg Segment) error
}

// Observer is notified synchronously, in publication order, from the
// goroutine that publishes. Like Sink, it must not call back into the Adapter.
type Observer interface {
	SegmentPublished(seg Segment)
	SynthesisFailed(err *SynthesisError)
	UtteranceEnded(utteranceID string, cancelled bool)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SegmentPublished(Segment)        {}
func (NopObserver) SynthesisFailed(*SynthesisError) {}
func (NopObserver) UtteranceEnded(string, bool)     {}
