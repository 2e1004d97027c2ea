package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartRandomPort(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if !nc.IsConnected() {
		t.Fatal("expected connection")
	}
}
