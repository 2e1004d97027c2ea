package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/loqalabs/loqa-translator/internal/audio"
	"github.com/loqalabs/loqa-translator/internal/config"
	"github.com/loqalabs/loqa-translator/internal/tokenize"
	"github.com/loqalabs/loqa-translator/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		text       string
		outPath    string
		chunkSize  int
	)
	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	sayCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	sayCmd.StringVar(&text, "text", "", "Text to speak (default: read stdin)")
	sayCmd.StringVar(&outPath, "out", "out.wav", "Path of the WAV file to write")
	sayCmd.IntVar(&chunkSize, "chunk", 8, "Feed text in fragments of this many runes")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "say":
		sayCmd.Parse(os.Args[2:])
		if err := runSay(configPath, text, outPath, chunkSize); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runSay(configPath, text, outPath string, chunkSize int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to say")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return err
	}

	sink := &wavSink{}
	opts := tts.AdapterOptionsFromConfig(cfg.TTS)
	opts.Logger = logger
	opts.Observer = sink
	adapter := tts.NewAdapter(synth, tokenize.NewBasic(cfg.TTS.Delimiters), sink, opts)
	defer adapter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u, err := adapter.BeginUtterance()
	if err != nil {
		return err
	}
	for _, fragment := range fragments(text, chunkSize) {
		if err := adapter.PushText(u, fragment); err != nil {
			return err
		}
	}
	if err := adapter.EndUtterance(ctx, u); err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	sampleRate, channels := sink.format(cfg.TTS.SampleRate, cfg.TTS.Channels)
	if err := audio.WriteWAV(out, sink.pcm(), sampleRate, channels); err != nil {
		return err
	}
	fmt.Printf("wrote %d sentence(s) to %s (%d failed)\n", sink.count(), outPath, sink.failed())
	return nil
}

// fragments cuts text into pieces of n runes to mimic a token stream.
func fragments(text string, n int) []string {
	if n <= 0 {
		return []string{text}
	}
	rs := []rune(text)
	var out []string
	for len(rs) > 0 {
		end := min(n, len(rs))
		out = append(out, string(rs[:end]))
		rs = rs[end:]
	}
	return out
}

// wavSink concatenates published segments in order. Failed sentences
// contribute no samples.
type wavSink struct {
	tts.NopObserver

	mu         sync.Mutex
	buf        []byte
	segments   int
	failures   int
	sampleRate int
	channels   int
}

func (s *wavSink) PublishSegment(_ context.Context, seg tts.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments++
	if seg.Audio.SampleRate > 0 {
		s.sampleRate = seg.Audio.SampleRate
		s.channels = seg.Audio.Channels
	}
	s.buf = append(s.buf, seg.Audio.PCM...)
	return nil
}

func (s *wavSink) SynthesisFailed(err *tts.SynthesisError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	fmt.Fprintf(os.Stderr, "sentence %d failed: %v\n", err.Sequence, err)
}

func (s *wavSink) pcm() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *wavSink) format(defaultRate, defaultChannels int) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleRate == 0 {
		return defaultRate, defaultChannels
	}
	return s.sampleRate, s.channels
}

func (s *wavSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}

func (s *wavSink) failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}
