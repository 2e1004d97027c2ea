package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	cartesiaBytesPath = "/tts/bytes"
	cartesiaVersion   = "2024-06-10"

	// CartesiaModelMultilingual covers the non-English target languages.
	CartesiaModelMultilingual = "sonic-multilingual"

	defaultCartesiaTimeout = 30 * time.Second
	cartesiaErrorBodyLimit = 4096
)

// CartesiaSynth calls Cartesia's one-shot bytes endpoint and asks for raw
// pcm_s16le so the output can be streamed without decoding.
type CartesiaSynth struct {
	apiKey     string
	baseURL    string
	model      string
	sampleRate int
	client     *http.Client
}

type CartesiaOption func(*CartesiaSynth)

func WithCartesiaClient(client *http.Client) CartesiaOption {
	return func(s *CartesiaSynth) {
		s.client = client
	}
}

func withCartesiaTimeout(d time.Duration) CartesiaOption {
	return func(s *CartesiaSynth) {
		s.client = &http.Client{Timeout: d}
	}
}

func WithCartesiaModel(model string) CartesiaOption {
	return func(s *CartesiaSynth) {
		if model != "" {
			s.model = model
		}
	}
}

func NewCartesia(baseURL, apiKey string, sampleRate int, opts ...CartesiaOption) *CartesiaSynth {
	s := &CartesiaSynth{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      CartesiaModelMultilingual,
		sampleRate: sampleRate,
		client:     &http.Client{Timeout: defaultCartesiaTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

func (s *CartesiaSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if req.Text == "" {
		return Audio{}, newBackendError("cartesia", ErrEmptyText)
	}
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    s.model,
		Transcript: req.Text,
		Voice:      cartesiaVoice{Mode: "id", ID: req.Voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: s.sampleRate,
		},
		Language: req.Language,
	})
	if err != nil {
		return Audio{}, newBackendError("cartesia", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+cartesiaBytesPath, bytes.NewReader(body))
	if err != nil {
		return Audio{}, newBackendError("cartesia", err)
	}
	httpReq.Header.Set("X-API-Key", s.apiKey)
	httpReq.Header.Set("Cartesia-Version", cartesiaVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Audio{}, newBackendError("cartesia", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, cartesiaErrorBodyLimit))
		return Audio{}, newBackendError("cartesia", fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, newBackendError("cartesia", fmt.Errorf("read audio: %w", err))
	}
	return Audio{PCM: pcm, SampleRate: s.sampleRate, Channels: 1}, nil
}
