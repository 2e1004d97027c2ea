package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.Model != "sonic-multilingual" || cfg.TTS.Language != "hi" {
		t.Fatalf("unexpected tts defaults: %+v", cfg.TTS)
	}
	if cfg.Agent.Greeting == "" {
		t.Fatal("expected default greeting")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := []byte(`
agent:
  room: lobby
  allow_interruptions: false
tts:
  language: fr
  voice: narrator
  delimiters: ".?"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Room != "lobby" || cfg.Agent.AllowInterruptions {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.TTS.Language != "fr" || cfg.TTS.Voice != "narrator" || cfg.TTS.Delimiters != ".?" {
		t.Fatalf("unexpected tts config: %+v", cfg.TTS)
	}
	if cfg.TTS.SampleRate != 24000 {
		t.Fatalf("expected default sample rate to survive, got %d", cfg.TTS.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_WORKER_ID", "test-worker")
	t.Setenv("LOQA_WORKER_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_WORKER_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_ROOMS", "12")
	t.Setenv("LOQA_TTS_MODE", "cartesia")
	t.Setenv("LOQA_TTS_API_KEY", "key")
	t.Setenv("LOQA_TTS_LANGUAGE", "es")
	t.Setenv("LOQA_TTS_MAX_INFLIGHT", "2")
	t.Setenv("LOQA_TTS_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("LOQA_LLM_API_KEY", "groq-key")
	t.Setenv("LOQA_AGENT_ROOM", "room-7")
	t.Setenv("LOQA_AGENT_ALLOW_INTERRUPTIONS", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Worker.ID != "test-worker" || cfg.Worker.HeartbeatInterval != 1500 || cfg.Worker.HeartbeatTimeout != 5000 {
		t.Fatalf("expected worker overrides, got %+v", cfg.Worker)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxRooms != 12 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.TTS.Mode != "cartesia" || cfg.TTS.APIKey != "key" || cfg.TTS.Language != "es" {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.TTS.MaxInflight != 2 || cfg.TTS.RequestsPerSecond != 2.5 {
		t.Fatalf("expected tts limits override, got %+v", cfg.TTS)
	}
	if cfg.LLM.Mode != "openai" || cfg.LLM.APIKey != "groq-key" {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
	if cfg.Agent.Room != "room-7" || cfg.Agent.AllowInterruptions {
		t.Fatalf("expected agent overrides, got %+v", cfg.Agent)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := Default()
	cfg.TTS.Mode = "cartesia"
	cfg.TTS.APIKey = ""
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for cartesia without api key")
	}

	cfg = Default()
	cfg.LLM.Mode = "openai"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for openai without api key")
	}
}

func TestValidateRejectsEmptyPassThroughValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"language":   func(c *Config) { c.TTS.Language = " " },
		"voice":      func(c *Config) { c.TTS.Voice = "" },
		"delimiters": func(c *Config) { c.TTS.Delimiters = "" },
		"room":       func(c *Config) { c.Agent.Room = "" },
	} {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateRejectsStereoCartesia(t *testing.T) {
	cfg := Default()
	cfg.TTS.Mode = "cartesia"
	cfg.TTS.APIKey = "key"
	if err := validate(cfg); err != nil {
		t.Fatalf("mono cartesia should validate: %v", err)
	}
	cfg.TTS.Channels = 2
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for stereo cartesia output")
	}
}
