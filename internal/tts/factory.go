package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-translator/internal/config"
)

// New builds the synthesis backend selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "cartesia":
		opts := []CartesiaOption{WithCartesiaModel(cfg.Model)}
		if cfg.RequestTimeoutMS > 0 {
			opts = append(opts, withCartesiaTimeout(time.Duration(cfg.RequestTimeoutMS)*time.Millisecond))
		}
		return NewCartesia(cfg.Endpoint, cfg.APIKey, cfg.SampleRate, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
