package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-translator/internal/tokenize"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu   sync.Mutex
	segs []Segment
}

func (s *recordingSink) PublishSegment(_ context.Context, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segs = append(s.segs, seg)
	return nil
}

func (s *recordingSink) snapshot() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.segs...)
}

type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	failures []*SynthesisError
	ended    map[string]bool
}

func (o *recordingObserver) SynthesisFailed(err *SynthesisError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) UtteranceEnded(id string, cancelled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended == nil {
		o.ended = make(map[string]bool)
	}
	o.ended[id] = cancelled
}

// gatedSynth blocks sentences registered with hold until released and fails
// sentences registered with failTimes.
type gatedSynth struct {
	mu          sync.Mutex
	gates       map[string]chan struct{}
	failures    map[string]int
	calls       map[string]int
	inflight    int
	maxInflight int
	started     chan string
}

func newGatedSynth() *gatedSynth {
	return &gatedSynth{
		gates:    make(map[string]chan struct{}),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		started:  make(chan string, 64),
	}
}

func (g *gatedSynth) hold(texts ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, text := range texts {
		g.gates[text] = make(chan struct{})
	}
}

func (g *gatedSynth) release(text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gates[text])
}

func (g *gatedSynth) failTimes(text string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[text] = n
}

func (g *gatedSynth) callCount(text string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[text]
}

func (g *gatedSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	g.mu.Lock()
	g.calls[req.Text]++
	g.inflight++
	if g.inflight > g.maxInflight {
		g.maxInflight = g.inflight
	}
	fail := g.failures[req.Text] > 0
	if fail {
		g.failures[req.Text]--
	}
	gate := g.gates[req.Text]
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()

	g.started <- req.Text
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	if fail {
		return Audio{}, newBackendError("gated", errors.New("backend unavailable"))
	}
	return Audio{PCM: []byte(req.Text), SampleRate: 16000, Channels: 1}, nil
}

func (g *gatedSynth) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d synthesis calls started", i, n)
		}
	}
}

func newTestAdapter(synth Synthesizer, sink Sink, observer Observer) *Adapter {
	return NewAdapter(synth, tokenize.NewBasic(".!?"), sink, AdapterOptions{
		Voice:       "voice",
		Language:    "hi",
		SampleRate:  16000,
		Channels:    1,
		MaxInflight: 8,
		Observer:    observer,
		Logger:      newLogger(),
	})
}

func texts(segs []Segment) []string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.Text)
	}
	return out
}

func TestAdapterSplitsStreamedText(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(newGatedSynth(), sink, nil)
	defer a.Close()

	u, err := a.BeginUtterance()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, fragment := range []string{"Hello world. How are ", "you?"} {
		if err := a.PushText(u, fragment); err != nil {
			t.Fatalf("push %q: %v", fragment, err)
		}
	}
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}

	segs := sink.snapshot()
	if got, want := texts(segs), []string{"Hello world.", "How are you?"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
	for i, seg := range segs {
		if seg.Sequence != i || seg.UtteranceID != u.ID() || seg.Placeholder {
			t.Fatalf("unexpected segment %d: %+v", i, seg)
		}
	}
}

func TestAdapterFlushesUnterminatedTail(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(newGatedSynth(), sink, nil)
	defer a.Close()

	u, _ := a.BeginUtterance()
	_ = a.PushText(u, "namaste duniya")
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got := texts(sink.snapshot()); !reflect.DeepEqual(got, []string{"namaste duniya"}) {
		t.Fatalf("unexpected segments %q", got)
	}
}

func TestAdapterEmptyTailAddsNothing(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(newGatedSynth(), sink, nil)
	defer a.Close()

	u, _ := a.BeginUtterance()
	if err := a.PushText(u, ""); err != nil {
		t.Fatalf("empty push: %v", err)
	}
	_ = a.PushText(u, "Done. ")
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}
	segs := sink.snapshot()
	if len(segs) != 1 || segs[0].Placeholder {
		t.Fatalf("expected exactly one real segment, got %+v", segs)
	}
}

func TestAdapterLateCloserAddsNoSentence(t *testing.T) {
	cases := []struct {
		name      string
		fragments []string
		want      []string
	}{
		{"at end", []string{`He said "Hola.`, `"`}, []string{`He said "Hola.`}},
		{"mid stream", []string{`He said "Hola.`, `"`, " Bye."}, []string{`He said "Hola.`, "Bye."}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			a := newTestAdapter(newGatedSynth(), sink, nil)
			defer a.Close()

			u, _ := a.BeginUtterance()
			for _, fragment := range tc.fragments {
				if err := a.PushText(u, fragment); err != nil {
					t.Fatalf("push %q: %v", fragment, err)
				}
			}
			if err := a.EndUtterance(context.Background(), u); err != nil {
				t.Fatalf("end: %v", err)
			}
			if got := texts(sink.snapshot()); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("segments = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAdapterPublishesInSequenceOrder(t *testing.T) {
	synth := newGatedSynth()
	synth.hold("One.", "Two.", "Three.")
	sink := &recordingSink{}
	a := newTestAdapter(synth, sink, nil)
	defer a.Close()

	u, _ := a.BeginUtterance()
	if err := a.PushText(u, "One. Two. Three."); err != nil {
		t.Fatalf("push: %v", err)
	}
	synth.waitStarted(t, 3)

	done := make(chan error, 1)
	go func() { done <- a.EndUtterance(context.Background(), u) }()

	synth.release("Three.")
	time.Sleep(20 * time.Millisecond)
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("sentence 2 published before 0 and 1: %d segments", n)
	}
	synth.release("One.")
	synth.release("Two.")

	if err := <-done; err != nil {
		t.Fatalf("end: %v", err)
	}
	segs := sink.snapshot()
	if got, want := texts(segs), []string{"One.", "Two.", "Three."}; !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
}

func TestAdapterRetriesOnce(t *testing.T) {
	synth := newGatedSynth()
	synth.failTimes("Flaky.", 1)
	sink := &recordingSink{}
	obs := &recordingObserver{}
	a := newTestAdapter(synth, sink, obs)
	defer a.Close()

	u, _ := a.BeginUtterance()
	_ = a.PushText(u, "Flaky.")
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}
	if n := synth.callCount("Flaky."); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
	segs := sink.snapshot()
	if len(segs) != 1 || segs[0].Placeholder {
		t.Fatalf("expected recovered segment, got %+v", segs)
	}
	if len(obs.failures) != 0 {
		t.Fatalf("unexpected failure report: %v", obs.failures)
	}
}

func TestAdapterPlaceholderAfterSecondFailure(t *testing.T) {
	synth := newGatedSynth()
	synth.failTimes("Two.", 2)
	sink := &recordingSink{}
	obs := &recordingObserver{}
	a := newTestAdapter(synth, sink, obs)
	defer a.Close()

	u, _ := a.BeginUtterance()
	_ = a.PushText(u, "One. Two. Three.")
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}

	segs := sink.snapshot()
	if got, want := texts(segs), []string{"One.", "Two.", "Three."}; !reflect.DeepEqual(got, want) {
		t.Fatalf("segments = %q, want %q", got, want)
	}
	if segs[0].Placeholder || segs[2].Placeholder {
		t.Fatal("healthy sentences must not be placeholders")
	}
	if !segs[1].Placeholder || len(segs[1].Audio.PCM) != 0 || segs[1].Audio.Duration() != 0 {
		t.Fatalf("expected silent placeholder, got %+v", segs[1])
	}
	if n := synth.callCount("Two."); n != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", n)
	}
	if len(obs.failures) != 1 {
		t.Fatalf("expected one failure report, got %d", len(obs.failures))
	}
	failure := obs.failures[0]
	if failure.Sequence != 1 || failure.Attempts != 2 || failure.Backend != "gated" {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if !errors.Is(failure, ErrSynthesisFailed) {
		t.Fatal("expected failure to match ErrSynthesisFailed")
	}
}

func TestAdapterCancelDropsLateResults(t *testing.T) {
	synth := newGatedSynth()
	synth.hold("Two.", "Three.")
	sink := &recordingSink{}
	obs := &recordingObserver{}
	a := newTestAdapter(synth, sink, obs)

	u, _ := a.BeginUtterance()
	_ = a.PushText(u, "One. Two. Three.")
	synth.waitStarted(t, 3)
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })

	if err := a.CancelUtterance(u); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before := len(sink.snapshot())
	synth.release("Three.")
	synth.release("Two.")
	a.Close()

	if after := len(sink.snapshot()); after != before {
		t.Fatalf("published %d segments after cancellation", after-before)
	}
	if cancelled, ok := obs.ended[u.ID()]; !ok || !cancelled {
		t.Fatal("expected cancelled notification")
	}
	if err := a.PushText(u, "more"); !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("expected sequence violation after cancel, got %v", err)
	}
	if err := a.CancelUtterance(u); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}

	next, err := a.BeginUtterance()
	if err != nil {
		t.Fatalf("begin after cancel: %v", err)
	}
	_ = a.CancelUtterance(next)
}

func TestAdapterEndHonoursContext(t *testing.T) {
	synth := newGatedSynth()
	synth.hold("Stuck.")
	a := newTestAdapter(synth, &recordingSink{}, nil)
	defer func() {
		synth.release("Stuck.")
		a.Close()
	}()

	u, _ := a.BeginUtterance()
	_ = a.PushText(u, "Stuck.")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := a.EndUtterance(ctx, u); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := a.BeginUtterance(); err != nil {
		t.Fatalf("adapter should be free after timeout: %v", err)
	}
}

func TestAdapterSequenceViolations(t *testing.T) {
	a := newTestAdapter(newGatedSynth(), &recordingSink{}, nil)
	defer a.Close()

	if err := a.PushText(nil, "hi"); !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("push without utterance: %v", err)
	}
	if err := a.EndUtterance(context.Background(), nil); !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("end without utterance: %v", err)
	}
	u, err := a.BeginUtterance()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.BeginUtterance(); !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("second begin: %v", err)
	}
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := a.PushText(u, "late"); !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("push after end: %v", err)
	}
	if err := a.EndUtterance(context.Background(), u); !errors.Is(err, ErrSequenceViolation) {
		t.Fatalf("second end: %v", err)
	}
}

func TestAdapterLimitsInflight(t *testing.T) {
	synth := newGatedSynth()
	sink := &recordingSink{}
	a := NewAdapter(synth, tokenize.NewBasic("."), sink, AdapterOptions{MaxInflight: 1, Logger: newLogger()})
	defer a.Close()

	u, _ := a.BeginUtterance()
	_ = a.PushText(u, "a. b. c. d. e.")
	if err := a.EndUtterance(context.Background(), u); err != nil {
		t.Fatalf("end: %v", err)
	}
	if synth.maxInflight != 1 {
		t.Fatalf("expected at most 1 in-flight request, saw %d", synth.maxInflight)
	}
	if len(sink.snapshot()) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(sink.snapshot()))
	}
}

type jitterSynth struct {
	delays map[string]time.Duration
}

func (j jitterSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-time.After(j.delays[req.Text]):
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	}
	return Audio{PCM: []byte(req.Text)}, nil
}

func TestAdapterOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "sentences")
		delays := make(map[string]time.Duration, n)
		text := ""
		for i := 0; i < n; i++ {
			sentence := "Sentence " + string(rune('a'+i)) + "."
			delays[sentence] = time.Duration(rapid.IntRange(0, 3000).Draw(rt, "delay_us")) * time.Microsecond
			text += sentence + " "
		}

		sink := &recordingSink{}
		a := NewAdapter(jitterSynth{delays: delays}, tokenize.NewBasic("."), sink, AdapterOptions{MaxInflight: n, Logger: newLogger()})
		defer a.Close()
		u, err := a.BeginUtterance()
		if err != nil {
			rt.Fatalf("begin: %v", err)
		}
		// arbitrary fragment boundaries
		for len(text) > 0 {
			k := rapid.IntRange(1, len(text)).Draw(rt, "fragment")
			if err := a.PushText(u, text[:k]); err != nil {
				rt.Fatalf("push: %v", err)
			}
			text = text[k:]
		}
		if err := a.EndUtterance(context.Background(), u); err != nil {
			rt.Fatalf("end: %v", err)
		}

		segs := sink.snapshot()
		if len(segs) != n {
			rt.Fatalf("expected %d segments, got %d", n, len(segs))
		}
		for i, seg := range segs {
			if seg.Sequence != i {
				rt.Fatalf("segment %d has sequence %d", i, seg.Sequence)
			}
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
