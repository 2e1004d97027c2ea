package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translator/internal/bus"
	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/loqalabs/loqa-translator/internal/natsserver"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "worker-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistryTracksPeers(t *testing.T) {
	client := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.WorkerConfig{HeartbeatInterval: 50, HeartbeatTimeout: 500}

	cfg.ID = "hi-worker"
	a, err := NewRegistry(context.Background(), cfg, Profile{Room: "lobby", Language: "hi"}, client, log)
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)

	cfg.ID = "fr-worker"
	b, err := NewRegistry(context.Background(), cfg, Profile{Room: "lobby", Language: "fr"}, client, log)
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	if !a.Healthy() || !b.Healthy() {
		t.Fatal("expected local workers healthy after announce")
	}
	waitFor(t, func() bool { return len(a.Query(WithRoom("lobby"))) == 2 })

	french := a.Query(WithLanguage("fr"))
	if len(french) != 1 || french[0].ID != "fr-worker" {
		t.Fatalf("unexpected language query result %+v", french)
	}
}

func TestRegistryMarksSilentWorkersUnhealthy(t *testing.T) {
	client := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewRegistry(context.Background(), config.WorkerConfig{ID: "w1", HeartbeatInterval: 1000, HeartbeatTimeout: 2000}, Profile{Room: "lobby"}, client, log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)

	r.updateWorker("ghost", &Profile{Room: "attic"}, time.Now().Add(-time.Minute))
	r.evaluateHealth()

	ghosts := r.Query(WithRoom("attic"))
	if len(ghosts) != 1 || ghosts[0].Healthy {
		t.Fatalf("expected ghost worker unhealthy, got %+v", ghosts)
	}
	if !r.Healthy() {
		t.Fatal("local worker should still be healthy")
	}

	total, perRoom := r.snapshotCounts()
	if total != 2 || perRoom["lobby"] != 1 || perRoom["attic"] != 0 {
		t.Fatalf("unexpected counts %d %v", total, perRoom)
	}
}
