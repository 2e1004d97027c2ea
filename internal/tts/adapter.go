package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/loqalabs/loqa-translator/internal/tokenize"
)

// synthesisAttempts is the first try plus one retry with the same input.
const synthesisAttempts = 2

// AdapterOptions tune an Adapter. Voice and Language are passed to the
// backend untouched.
type AdapterOptions struct {
	Voice             string
	Language          string
	SampleRate        int
	Channels          int
	MaxInflight       int
	RequestTimeout    time.Duration
	RetryBackoff      time.Duration
	RequestsPerSecond float64
	Observer          Observer
	Logger            *slog.Logger
}

// AdapterOptionsFromConfig maps the tts config section onto adapter options.
func AdapterOptionsFromConfig(cfg config.TTSConfig) AdapterOptions {
	return AdapterOptions{
		Voice:             cfg.Voice,
		Language:          cfg.Language,
		SampleRate:        cfg.SampleRate,
		Channels:          cfg.Channels,
		MaxInflight:       cfg.MaxInflight,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		RetryBackoff:      time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

// Adapter turns a one-shot Synthesizer into an ordered, cancellable audio
// stream fed incrementally with text. Sentences are synthesized
// concurrently; segments reach the Sink strictly by sequence index.
// Only one utterance is active at a time.
type Adapter struct {
	synth     Synthesizer
	tokenizer tokenize.SentenceTokenizer
	sink      Sink
	observer  Observer
	opts      AdapterOptions
	logger    *slog.Logger
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	metrics   *adapterMetrics
	tracer    trace.Tracer
	wg        sync.WaitGroup

	mu     sync.Mutex
	active *Utterance
}

// Utterance is the handle for one request-to-speak cycle.
type Utterance struct {
	id      string
	ctx     context.Context
	abandon context.CancelFunc

	mu          sync.Mutex
	buf         string
	nextSeq     int
	nextPublish int
	pending     map[int]Segment
	closing     bool
	cancelled   bool
	drainedSet  bool
	drained     chan struct{}
	cancelledCh chan struct{}
}

func (u *Utterance) ID() string { return u.id }

func NewAdapter(synth Synthesizer, tokenizer tokenize.SentenceTokenizer, sink Sink, opts AdapterOptions) *Adapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 1
	}
	logger := opts.Logger.With(slog.String("component", "tts-adapter"))
	a := &Adapter{
		synth:     synth,
		tokenizer: tokenizer,
		sink:      sink,
		observer:  opts.Observer,
		opts:      opts,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(opts.MaxInflight)),
		metrics:   newAdapterMetrics(logger),
		tracer:    otel.Tracer(instrumentationName),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return a
}

// BeginUtterance starts a new utterance. It fails while a previous one has
// not been ended or cancelled.
func (a *Adapter) BeginUtterance() (*Utterance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		return nil, fmt.Errorf("%w: utterance %s still active", ErrSequenceViolation, a.active.id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Utterance{
		id:          uuid.NewString(),
		ctx:         ctx,
		abandon:     cancel,
		pending:     make(map[int]Segment),
		drained:     make(chan struct{}),
		cancelledCh: make(chan struct{}),
	}
	a.active = u
	a.logger.Debug("utterance started", slog.String("utterance_id", u.id))
	return u, nil
}

// PushText appends a fragment and dispatches every sentence it completes.
// It never waits for synthesis.
func (a *Adapter) PushText(u *Utterance, fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkActive(u); err != nil {
		return err
	}
	if fragment == "" {
		return nil
	}

	u.mu.Lock()
	if u.closing {
		u.mu.Unlock()
		return fmt.Errorf("%w: utterance %s is ending", ErrSequenceViolation, u.id)
	}
	u.buf += fragment
	sentences, rest := a.tokenizer.Split(u.buf)
	u.buf = rest
	units := u.assignLocked(sentences)
	u.mu.Unlock()

	for _, unit := range units {
		a.dispatch(u, unit)
	}
	return nil
}

// EndUtterance flushes the buffered tail as a final sentence and blocks
// until every dispatched sentence has been published. If ctx ends first the
// utterance is cancelled.
func (a *Adapter) EndUtterance(ctx context.Context, u *Utterance) error {
	a.mu.Lock()
	if err := a.checkActive(u); err != nil {
		a.mu.Unlock()
		return err
	}
	u.mu.Lock()
	if u.closing {
		u.mu.Unlock()
		a.mu.Unlock()
		return fmt.Errorf("%w: utterance %s is already ending", ErrSequenceViolation, u.id)
	}
	u.closing = true
	var units []SentenceUnit
	if tail, ok := a.tokenizer.Flush(u.buf); ok {
		units = u.assignLocked([]string{tail})
	}
	u.buf = ""
	u.markDrainedLocked()
	u.mu.Unlock()
	for _, unit := range units {
		a.dispatch(u, unit)
	}
	a.mu.Unlock()

	select {
	case <-u.drained:
		if !a.finish(u) {
			return ErrUtteranceCancelled
		}
		return nil
	case <-u.cancelledCh:
		return ErrUtteranceCancelled
	case <-ctx.Done():
		_ = a.CancelUtterance(u)
		return ctx.Err()
	}
}

// CancelUtterance stops all further publication for u and frees the adapter
// for a new utterance. Requests already sent to the backend run to
// completion and their results are dropped. Cancelling an utterance that is
// no longer active is a no-op.
func (a *Adapter) CancelUtterance(u *Utterance) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u == nil || a.active != u {
		return nil
	}
	a.active = nil

	u.mu.Lock()
	u.cancelled = true
	u.buf = ""
	u.pending = nil
	close(u.cancelledCh)
	u.mu.Unlock()
	u.abandon()

	a.metrics.cancellations.Add(u.ctx, 1)
	a.logger.Debug("utterance cancelled", slog.String("utterance_id", u.id))
	a.observer.UtteranceEnded(u.id, true)
	return nil
}

// Close cancels the active utterance and waits for outstanding synthesis
// goroutines.
func (a *Adapter) Close() {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active != nil {
		_ = a.CancelUtterance(active)
	}
	a.wg.Wait()
}

func (a *Adapter) checkActive(u *Utterance) error {
	if u == nil || a.active != u {
		return fmt.Errorf("%w: no active utterance for handle", ErrSequenceViolation)
	}
	return nil
}

func (a *Adapter) finish(u *Utterance) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != u {
		return false
	}
	a.active = nil
	u.abandon()
	a.logger.Debug("utterance completed", slog.String("utterance_id", u.id), slog.Int("sentences", u.nextSeq))
	a.observer.UtteranceEnded(u.id, false)
	return true
}

func (u *Utterance) assignLocked(sentences []string) []SentenceUnit {
	units := make([]SentenceUnit, 0, len(sentences))
	for _, text := range sentences {
		units = append(units, SentenceUnit{UtteranceID: u.id, Sequence: u.nextSeq, Text: text})
		u.nextSeq++
	}
	return units
}

func (u *Utterance) markDrainedLocked() {
	if u.closing && !u.drainedSet && u.nextPublish == u.nextSeq {
		u.drainedSet = true
		close(u.drained)
	}
}

func (u *Utterance) isCancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled
}

func (a *Adapter) dispatch(u *Utterance, unit SentenceUnit) {
	a.metrics.sentences.Add(u.ctx, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		seg, ok := a.render(u, unit)
		if !ok {
			return
		}
		a.deliver(u, seg)
	}()
}

// render synthesizes one sentence, retrying once, and degrades to a silent
// placeholder. ok is false when the utterance was cancelled before a result
// was worth delivering.
func (a *Adapter) render(u *Utterance, unit SentenceUnit) (Segment, bool) {
	if err := a.sem.Acquire(u.ctx, 1); err != nil {
		a.logDiscard(unit, "abandoned before dispatch")
		return Segment{}, false
	}
	defer a.sem.Release(1)
	if a.limiter != nil {
		if err := a.limiter.Wait(u.ctx); err != nil {
			a.logDiscard(unit, "abandoned while rate limited")
			return Segment{}, false
		}
	}

	req := Request{Text: unit.Text, Voice: a.opts.Voice, Language: a.opts.Language}
	attempts := 0
	out, err := backoff.Retry(u.ctx, func() (Audio, error) {
		if attempts > 0 {
			if u.isCancelled() {
				return Audio{}, backoff.Permanent(context.Canceled)
			}
			a.metrics.retries.Add(u.ctx, 1)
			a.logger.Debug("retrying synthesis", slog.String("utterance_id", unit.UtteranceID), slog.Int("sequence", unit.Sequence))
		}
		attempts++
		return a.attempt(u, unit, req)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(a.opts.RetryBackoff)),
		backoff.WithMaxTries(synthesisAttempts),
	)
	if u.isCancelled() {
		a.logDiscard(unit, "result arrived after cancellation")
		return Segment{}, false
	}

	seg := Segment{UtteranceID: unit.UtteranceID, Sequence: unit.Sequence, Text: unit.Text}
	if err != nil {
		seg.Placeholder = true
		seg.Audio = Audio{SampleRate: a.opts.SampleRate, Channels: a.opts.Channels}
		seg.Failure = a.synthesisError(unit, attempts, err)
		return seg, true
	}
	seg.Audio = out
	return seg, true
}

func (a *Adapter) attempt(u *Utterance, unit SentenceUnit, req Request) (Audio, error) {
	// In-flight requests outlive cancellation; only their results are dropped.
	ctx := context.WithoutCancel(u.ctx)
	if a.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.RequestTimeout)
		defer cancel()
	}
	ctx, span := a.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("utterance.id", unit.UtteranceID),
		attribute.Int("sentence.sequence", unit.Sequence),
		attribute.Int("sentence.runes", len([]rune(unit.Text))),
	))
	defer span.End()

	start := time.Now()
	out, err := a.synth.Synthesize(ctx, req)
	a.metrics.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (a *Adapter) synthesisError(unit SentenceUnit, attempts int, err error) *SynthesisError {
	serr := &SynthesisError{
		Backend:     "tts",
		UtteranceID: unit.UtteranceID,
		Sequence:    unit.Sequence,
		Text:        unit.Text,
		Attempts:    attempts,
		Err:         err,
	}
	var backendErr *SynthesisError
	if errors.As(err, &backendErr) {
		serr.Backend = backendErr.Backend
		serr.Err = backendErr.Err
	}
	return serr
}

// deliver parks seg until every lower index has been published, then
// releases the contiguous run.
func (a *Adapter) deliver(u *Utterance, seg Segment) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancelled {
		a.logDiscard(SentenceUnit{UtteranceID: seg.UtteranceID, Sequence: seg.Sequence}, "result arrived after cancellation")
		return
	}
	u.pending[seg.Sequence] = seg
	for {
		next, ok := u.pending[u.nextPublish]
		if !ok {
			break
		}
		delete(u.pending, u.nextPublish)
		a.publishLocked(u, next)
		u.nextPublish++
	}
	u.markDrainedLocked()
}

func (a *Adapter) publishLocked(u *Utterance, seg Segment) {
	if seg.Failure != nil {
		a.metrics.failures.Add(u.ctx, 1)
		a.logger.Warn("synthesis failed, publishing silent placeholder",
			slog.String("utterance_id", seg.UtteranceID),
			slog.Int("sequence", seg.Sequence),
			slog.String("error", seg.Failure.Err.Error()))
		a.observer.SynthesisFailed(seg.Failure)
	}
	if a.sink != nil {
		if err := a.sink.PublishSegment(u.ctx, seg); err != nil {
			a.logger.Warn("failed to publish audio segment",
				slog.String("utterance_id", seg.UtteranceID),
				slog.Int("sequence", seg.Sequence),
				slog.String("error", err.Error()))
		}
	}
	a.metrics.segments.Add(u.ctx, 1)
	a.observer.SegmentPublished(seg)
}

func (a *Adapter) logDiscard(unit SentenceUnit, reason string) {
	a.logger.Debug("discarding synthesis for cancelled utterance",
		slog.String("utterance_id", unit.UtteranceID),
		slog.Int("sequence", unit.Sequence),
		slog.String("reason", reason))
}
