package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-translator/internal/bus"
	"github.com/loqalabs/loqa-translator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service bridges a room's bus subjects to its Session.
type Service struct {
	room    string
	bus     *bus.Client
	session *Session
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(room string, busClient *bus.Client, session *Session, logger *slog.Logger) *Service {
	return &Service{
		room:    room,
		bus:     busClient,
		session: session,
		logger:  logger.With(slog.String("component", "room-bridge"), slog.String("room", room)),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectRoomChat(s.room), s.handleChat},
		{protocol.SubjectRoomFunctions(s.room), s.handleFunctions},
		{protocol.SubjectTranscriptFinal, s.handleTranscript},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.drainLocked()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return conn.Flush()
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 3
}

func (s *Service) drainLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleChat(msg *nats.Msg) {
	var chat protocol.ChatMessage
	if err := json.Unmarshal(msg.Data, &chat); err != nil {
		s.logger.Warn("failed to decode chat message", slogError(err))
		return
	}
	s.logger.Debug("chat message received", slog.String("participant", chat.ParticipantID))
	s.report(s.session.HandleChat(chat))
}

func (s *Service) handleFunctions(msg *nats.Msg) {
	var finished protocol.FunctionCallsFinished
	if err := json.Unmarshal(msg.Data, &finished); err != nil {
		s.logger.Warn("failed to decode function calls", slogError(err))
		return
	}
	s.logger.Debug("function calls finished", slog.Int("calls", len(finished.Calls)))
	s.report(s.session.HandleFunctionCalls(finished.Calls))
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.Room != s.room {
		return
	}
	s.report(s.session.HandleChat(protocol.ChatMessage{
		Room:          transcript.Room,
		ParticipantID: transcript.ParticipantID,
		Message:       transcript.Text,
		Timestamp:     transcript.Timestamp,
	}))
}

func (s *Service) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionClosed):
		s.logger.Debug("dropping message for closed session")
	default:
		s.logger.Warn("failed to queue reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
