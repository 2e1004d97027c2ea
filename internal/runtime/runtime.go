package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-translator/internal/agent"
	"github.com/loqalabs/loqa-translator/internal/bus"
	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/loqalabs/loqa-translator/internal/eventstore"
	"github.com/loqalabs/loqa-translator/internal/llm"
	"github.com/loqalabs/loqa-translator/internal/natsserver"
	"github.com/loqalabs/loqa-translator/internal/stt"
	"github.com/loqalabs/loqa-translator/internal/tokenize"
	"github.com/loqalabs/loqa-translator/internal/tts"
	"github.com/loqalabs/loqa-translator/internal/worker"
)

const pruneInterval = time.Hour

// readinessCheck reports whether one component can serve traffic.
type readinessCheck struct {
	name    string
	healthy func() bool
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	checks      []readinessCheck
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	registry *worker.Registry
	stt      *stt.Service
	adapter  *tts.Adapter
	session  *agent.Session
	bridge   *agent.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves health endpoints and blocks until ctx
// is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.EventStore.RetentionMode == "persistent" {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("room", r.cfg.Agent.Room),
		slog.String("language", r.cfg.TTS.Language))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.addCheck("bus", r.bus.Healthy)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.registry, err = worker.NewRegistry(ctx, r.cfg.Worker, worker.Profile{
		Room:     r.cfg.Agent.Room,
		Language: r.cfg.TTS.Language,
		Voice:    r.cfg.TTS.Voice,
	}, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start worker registry: %w", err)
	}
	r.addCheck("worker", r.registry.Healthy)

	if r.cfg.STT.Enabled {
		recognizer, err := stt.New(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("init stt: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("start stt: %w", err)
		}
		r.addCheck("stt", r.stt.Healthy)
	}

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("init tts: %w", err)
	}

	sink := agent.NewBusSink(r.bus, r.cfg.Agent.Room, r.store, r.logger)
	opts := tts.AdapterOptionsFromConfig(r.cfg.TTS)
	opts.Observer = sink
	opts.Logger = r.logger
	r.adapter = tts.NewAdapter(synth, tokenize.NewBasic(r.cfg.TTS.Delimiters), sink, opts)

	r.session = agent.NewSession(r.cfg.Agent, r.cfg.LLM, generator, r.adapter, r.store, r.logger)
	if err := r.session.Start(ctx); err != nil {
		return fmt.Errorf("start agent session: %w", err)
	}

	r.bridge = agent.NewService(r.cfg.Agent.Room, r.bus, r.session, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start room bridge: %w", err)
	}
	r.addCheck("room", r.bridge.Healthy)
	return nil
}

// stopComponents tears down in reverse start order. It tolerates partially
// started runtimes.
func (r *Runtime) stopComponents() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	if r.adapter != nil {
		r.adapter.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) addCheck(name string, healthy func() bool) {
	r.checks = append(r.checks, readinessCheck{name: name, healthy: healthy})
}

// notReady lists the components currently failing their check.
func (r *Runtime) notReady() []string {
	var failing []string
	for _, c := range r.checks {
		if !c.healthy() {
			failing = append(failing, c.name)
		}
	}
	return failing
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		failing := r.notReady()
		if len(failing) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %v", failing)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
