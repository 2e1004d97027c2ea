// Package agent runs the translation assistant for one room: it keeps the
// chat context, queues replies and streams them through the speech adapter.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/loqalabs/loqa-translator/internal/eventstore"
	"github.com/loqalabs/loqa-translator/internal/llm"
	"github.com/loqalabs/loqa-translator/internal/protocol"
	"github.com/loqalabs/loqa-translator/internal/tts"
)

var (
	ErrSessionClosed = errors.New("agent: session closed")
	ErrQueueFull     = errors.New("agent: reply queue full")
)

type jobKind int

const (
	jobSay jobKind = iota
	jobAnswer
)

type job struct {
	kind jobKind
	text string
}

// Session owns the assistant state for a room between connect and
// disconnect. Replies run one at a time in arrival order.
type Session struct {
	cfg     config.AgentConfig
	llmCfg  config.LLMConfig
	llm     llm.Generator
	adapter *tts.Adapter
	store   *eventstore.Store
	log     *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	speakMu sync.Mutex

	mu       sync.Mutex
	queue    []job
	history  []llm.Message
	current  context.CancelFunc
	started  bool
	closed   bool
	replying bool
}

func NewSession(cfg config.AgentConfig, llmCfg config.LLMConfig, generator llm.Generator, adapter *tts.Adapter, store *eventstore.Store, log *slog.Logger) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Session{
		cfg:     cfg,
		llmCfg:  llmCfg,
		llm:     generator,
		adapter: adapter,
		store:   store,
		log:     log.With(slog.String("component", "agent-session"), slog.String("room", cfg.Room)),
		wake:    make(chan struct{}, 1),
	}
}

// Start restores the room's chat history, starts the reply queue and
// schedules the greeting.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("agent: session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.restoreHistory(ctx); err != nil {
		s.log.Warn("failed to restore chat history", slog.String("error", err.Error()))
	}

	s.wg.Add(1)
	go s.run()

	if greeting := strings.TrimSpace(s.cfg.Greeting); greeting != "" {
		s.wg.Add(1)
		go s.greet(greeting)
	}
	s.log.Info("agent session started")
	return nil
}

// Close cancels the reply in progress, drops queued replies and waits for
// the queue worker to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("agent session closed")
}

// HandleChat answers a chat message from the room. Blank messages are
// ignored.
func (s *Session) HandleChat(msg protocol.ChatMessage) error {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return nil
	}
	return s.enqueue(job{kind: jobAnswer, text: text})
}

// HandleFunctionCalls answers the user_msg argument of the first call in a
// finished batch.
func (s *Session) HandleFunctionCalls(calls []protocol.CalledFunction) error {
	if len(calls) == 0 {
		return nil
	}
	text := strings.TrimSpace(calls[0].Arguments["user_msg"])
	if text == "" {
		s.log.Debug("function calls finished without user_msg", slog.String("function", calls[0].Name))
		return nil
	}
	return s.enqueue(job{kind: jobAnswer, text: text})
}

// Say speaks fixed text without consulting the model.
func (s *Session) Say(ctx context.Context, text string) error {
	_, err := s.speak(ctx, func(push func(string) error) error {
		return push(text)
	})
	return err
}

// Answer adds text to the chat context as a user turn and speaks the model's
// reply as it streams in. The reply joins the context only when it was
// spoken to the end.
func (s *Session) Answer(ctx context.Context, text string) error {
	user := llm.Message{Role: llm.RoleUser, Content: text}
	messages := s.appendHistory(user)
	s.journal(eventstore.Event{Kind: eventstore.KindUserMessage, Role: user.Role, Content: user.Content})

	req := llm.RequestFromConfig(s.llmCfg, messages)
	req.SessionID = s.cfg.Room

	var reply strings.Builder
	utteranceID, err := s.speak(ctx, func(push func(string) error) error {
		genCtx := ctx
		if s.llmCfg.TimeoutMS > 0 {
			var cancel context.CancelFunc
			genCtx, cancel = context.WithTimeout(ctx, time.Duration(s.llmCfg.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		return s.llm.Generate(genCtx, req, func(chunk llm.Chunk) error {
			if chunk.Content == "" {
				return nil
			}
			reply.WriteString(chunk.Content)
			return push(chunk.Content)
		})
	})
	if err != nil {
		return err
	}

	content := strings.TrimSpace(reply.String())
	if content == "" {
		return nil
	}
	s.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: content})
	s.journal(eventstore.Event{UtteranceID: utteranceID, Kind: eventstore.KindAssistantReply, Role: llm.RoleAssistant, Content: content})
	return nil
}

// History returns a copy of the chat context without the system prompt.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// speak runs one utterance through the adapter. produce pushes text as it
// becomes available; if it fails or ctx ends, the utterance is cancelled.
func (s *Session) speak(ctx context.Context, produce func(push func(string) error) error) (string, error) {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	u, err := s.adapter.BeginUtterance()
	if err != nil {
		return "", err
	}
	push := func(fragment string) error {
		return s.adapter.PushText(u, fragment)
	}
	if err := produce(push); err != nil {
		_ = s.adapter.CancelUtterance(u)
		return u.ID(), fmt.Errorf("produce reply: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = s.adapter.CancelUtterance(u)
		return u.ID(), err
	}
	if err := s.adapter.EndUtterance(ctx, u); err != nil {
		return u.ID(), err
	}
	return u.ID(), nil
}

func (s *Session) enqueue(j job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return ErrSessionClosed
	}
	if s.cfg.AllowInterruptions && s.current != nil {
		s.log.Debug("interrupting current reply")
		s.current()
	}
	if len(s.queue) >= s.cfg.QueueSize {
		return ErrQueueFull
	}
	s.queue = append(s.queue, j)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}
		j, ctx, cancel, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		s.execute(ctx, cancel, j)
	}
}

// next pops the oldest job and makes it current in the same critical
// section, so a message arriving from here on interrupts it.
func (s *Session) next() (job, context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return job{}, nil, nil, false
	}
	j := s.queue[0]
	s.queue = s.queue[1:]

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.ReplyTimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.ReplyTimeoutMS)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	s.current = cancel
	s.replying = true
	return j, ctx, cancel, true
}

func (s *Session) execute(ctx context.Context, cancel context.CancelFunc, j job) {
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.replying = false
		s.mu.Unlock()
		cancel()
	}()

	var err error
	switch j.kind {
	case jobSay:
		err = s.Say(ctx, j.text)
	case jobAnswer:
		err = s.Answer(ctx, j.text)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, tts.ErrUtteranceCancelled):
		s.log.Info("reply interrupted")
	default:
		s.log.Warn("reply failed", slog.String("error", err.Error()))
	}
}

func (s *Session) greet(text string) {
	defer s.wg.Done()
	if d := time.Duration(s.cfg.GreetingDelayMS) * time.Millisecond; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
	}
	if err := s.enqueue(job{kind: jobSay, text: text}); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn("failed to queue greeting", slog.String("error", err.Error()))
	}
}

// Replying reports whether a reply is being produced or spoken.
func (s *Session) Replying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replying
}

// appendHistory adds msg, trims to the history limit and returns the full
// chat context with the system prompt first.
func (s *Session) appendHistory(msg llm.Message) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		s.history = append([]llm.Message(nil), s.history[len(s.history)-limit:]...)
	}
	return s.contextLocked()
}

func (s *Session) contextLocked() []llm.Message {
	messages := make([]llm.Message, 0, len(s.history)+1)
	if prompt := strings.TrimSpace(s.cfg.SystemPrompt); prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	return append(messages, s.history...)
}

func (s *Session) restoreHistory(ctx context.Context) error {
	if s.store == nil || s.cfg.HistoryLimit <= 0 {
		return nil
	}
	events, err := s.store.History(ctx, s.cfg.Room, s.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		s.history = append(s.history, llm.Message{Role: evt.Role, Content: evt.Content})
	}
	if len(events) > 0 {
		s.log.Info("restored chat history", slog.Int("messages", len(events)))
	}
	return nil
}

func (s *Session) journal(evt eventstore.Event) {
	if s.store == nil {
		return
	}
	evt.Room = s.cfg.Room
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.store.Append(ctx, evt); err != nil {
		s.log.Warn("failed to journal event", slog.String("kind", evt.Kind), slog.String("error", err.Error()))
	}
}
