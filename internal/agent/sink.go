package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translator/internal/bus"
	"github.com/loqalabs/loqa-translator/internal/eventstore"
	"github.com/loqalabs/loqa-translator/internal/protocol"
	"github.com/loqalabs/loqa-translator/internal/tts"
)

const journalTimeout = 2 * time.Second

// BusSink streams synthesized segments into a room and reports speech
// lifecycle events. It serves as both the adapter's Sink and its Observer.
type BusSink struct {
	bus   *bus.Client
	room  string
	store *eventstore.Store
	log   *slog.Logger

	mu       sync.Mutex
	segments map[string]int
}

func NewBusSink(busClient *bus.Client, room string, store *eventstore.Store, log *slog.Logger) *BusSink {
	return &BusSink{
		bus:      busClient,
		room:     room,
		store:    store,
		log:      log.With(slog.String("component", "bus-sink"), slog.String("room", room)),
		segments: make(map[string]int),
	}
}

func (s *BusSink) PublishSegment(_ context.Context, seg tts.Segment) error {
	s.mu.Lock()
	n, seen := s.segments[seg.UtteranceID]
	s.segments[seg.UtteranceID] = n + 1
	s.mu.Unlock()

	if !seen {
		s.publishStatus(seg.UtteranceID, protocol.SpeechStarted, 0)
	}
	return s.bus.PublishJSON(protocol.SubjectRoomAudio(s.room), protocol.AudioChunk{
		Room:        s.room,
		UtteranceID: seg.UtteranceID,
		Sequence:    seg.Sequence,
		Text:        seg.Text,
		SampleRate:  seg.Audio.SampleRate,
		Channels:    seg.Audio.Channels,
		PCM:         seg.Audio.PCM,
		Placeholder: seg.Placeholder,
	})
}

func (s *BusSink) SegmentPublished(tts.Segment) {}

func (s *BusSink) SynthesisFailed(err *tts.SynthesisError) {
	msg := protocol.SpeechError{
		Room:        s.room,
		UtteranceID: err.UtteranceID,
		Sequence:    err.Sequence,
		Text:        err.Text,
		Error:       err.Error(),
		Timestamp:   time.Now().UTC(),
	}
	if pubErr := s.bus.PublishJSON(protocol.SubjectSpeechError, msg); pubErr != nil {
		s.log.Warn("failed to publish speech error", slog.String("error", pubErr.Error()))
	}
	s.journal(eventstore.Event{
		Room:        s.room,
		UtteranceID: err.UtteranceID,
		Kind:        eventstore.KindSynthesisFailure,
		Content:     err.Error(),
	})
}

func (s *BusSink) UtteranceEnded(utteranceID string, cancelled bool) {
	s.mu.Lock()
	n := s.segments[utteranceID]
	delete(s.segments, utteranceID)
	s.mu.Unlock()

	state := protocol.SpeechCompleted
	if cancelled {
		state = protocol.SpeechCancelled
		s.journal(eventstore.Event{
			Room:        s.room,
			UtteranceID: utteranceID,
			Kind:        eventstore.KindUtteranceCancelled,
		})
	}
	s.publishStatus(utteranceID, state, n)
}

func (s *BusSink) publishStatus(utteranceID, state string, segments int) {
	msg := protocol.SpeechStatus{
		Room:        s.room,
		UtteranceID: utteranceID,
		State:       state,
		Segments:    segments,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechStatus, msg); err != nil {
		s.log.Warn("failed to publish speech status", slog.String("state", state), slog.String("error", err.Error()))
	}
}

func (s *BusSink) journal(evt eventstore.Event) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.store.Append(ctx, evt); err != nil {
		s.log.Warn("failed to journal event", slog.String("kind", evt.Kind), slog.String("error", err.Error()))
	}
}
