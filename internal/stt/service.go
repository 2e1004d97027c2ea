package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translator/internal/bus"
	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/loqalabs/loqa-translator/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service turns room audio frames into final transcripts.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	log        *slog.Logger
	recognizer Recognizer
	sessions   map[sessionKey]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionKey struct {
	room        string
	participant string
}

type sessionState struct {
	buffer     []byte
	sampleRate int
	channels   int
}

// New selects the recognizer named by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		recognizer: recognizer,
		sessions:   make(map[sessionKey]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.Room == "" {
		frame.Room = msg.Subject[len(protocol.SubjectAudioFramePrefix)+1:]
	}
	key := sessionKey{room: frame.Room, participant: frame.ParticipantID}

	s.mu.Lock()
	state := s.sessions[key]
	if state == nil {
		state = &sessionState{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.sessions[key] = state
	}
	if frame.SampleRate > 0 {
		state.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.channels = frame.Channels
	}
	state.buffer = append(state.buffer, frame.PCM...)
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	if len(state.buffer) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(key, state)
	}()
}

func (s *Service) transcribe(key sessionKey, state *sessionState) {
	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	result, err := s.recognizer.Transcribe(ctx, state.buffer, state.sampleRate, state.channels, s.cfg.Language)
	if err != nil {
		s.log.Warn("stt transcription failed",
			slog.String("room", key.room),
			slog.String("participant", key.participant),
			slogError(err))
		return
	}
	if result.Text == "" {
		return
	}
	transcript := protocol.Transcript{
		Room:          key.room,
		ParticipantID: key.participant,
		Text:          result.Text,
		Language:      s.cfg.Language,
		Timestamp:     time.Now().UTC(),
		Confidence:    result.Confidence,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, transcript); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
