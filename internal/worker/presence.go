package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-translator/internal/bus"
	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.worker.announce"
	SubjectHeartbeatPrefix = "ctrl.worker.heartbeat"
)

// Profile describes what a translator worker serves.
type Profile struct {
	Room     string `json:"room"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

type WorkerInfo struct {
	ID       string    `json:"id"`
	Profile  Profile   `json:"profile"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	WorkerID  string    `json:"worker_id"`
	Profile   Profile   `json:"profile"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local worker and tracks its peers.
type Registry struct {
	cfg       config.WorkerConfig
	profile   Profile
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	workers   map[string]*WorkerInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	now       func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.WorkerConfig, profile Profile, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		profile: profile,
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		workers: make(map[string]*WorkerInfo),
		meter:   otel.Meter("github.com/loqalabs/loqa-translator/worker"),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	// Make sure the subscriptions are registered before the first announce.
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		WorkerID:  r.cfg.ID,
		Profile:   r.profile,
		Timestamp: r.now().UTC(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateWorker(msg.WorkerID, &msg.Profile, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		WorkerID:  r.cfg.ID,
		Timestamp: r.now().UTC(),
	}
	return r.bus.PublishJSON(fmt.Sprintf("%s.%s", SubjectHeartbeatPrefix, r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.WorkerID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.updateWorker(announcement.WorkerID, &announcement.Profile, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.WorkerID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateWorker(hb.WorkerID, nil, hb.Timestamp)
}

func (r *Registry) updateWorker(id string, profile *Profile, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		w = &WorkerInfo{ID: id}
		r.workers[id] = w
	}
	if profile != nil {
		w.Profile = *profile
	}
	if timestamp.After(w.LastSeen) {
		w.LastSeen = timestamp
	}
	w.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, w := range r.workers {
		if now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
		}
	}
}

// Healthy reports whether the local worker is still seen on the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[r.cfg.ID]
	if !ok {
		return false
	}
	return w.Healthy
}

func (r *Registry) Query(filter func(WorkerInfo) bool) []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []WorkerInfo
	for _, w := range r.workers {
		info := *w
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func WithRoom(room string) func(WorkerInfo) bool {
	return func(w WorkerInfo) bool { return w.Profile.Room == room }
}

func WithLanguage(language string) func(WorkerInfo) bool {
	return func(w WorkerInfo) bool { return w.Profile.Language == language }
}

func (r *Registry) initMetrics() error {
	known, err := r.meter.Int64ObservableGauge("loqa.workers.known", metric.WithDescription("Number of known translator workers"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("loqa.workers.healthy", metric.WithDescription("Healthy translator workers per room"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, perRoom := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		for room, n := range perRoom {
			obs.ObserveInt64(healthy, n, metric.WithAttributes(attribute.String("room", room)))
		}
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, map[string]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perRoom := make(map[string]int64)
	for _, w := range r.workers {
		if w.Healthy {
			perRoom[w.Profile.Room]++
		}
	}
	return int64(len(r.workers)), perRoom
}
