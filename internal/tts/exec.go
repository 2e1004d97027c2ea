package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command per request. The command reads one JSON
// request on stdin and writes JSON lines carrying base64 PCM on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if req.Text == "" {
		return Audio{}, newBackendError("exec", ErrEmptyText)
	}
	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, newBackendError("exec", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Audio{}, newBackendError("exec", fmt.Errorf("tts command failed: %w: %s", err, stderr.String()))
	}

	var pcm []byte
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return Audio{}, newBackendError("exec", fmt.Errorf("decode tts response: %w", err))
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return Audio{}, newBackendError("exec", fmt.Errorf("decode tts pcm: %w", err))
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Audio{}, newBackendError("exec", err)
	}
	return Audio{PCM: pcm, SampleRate: e.sampleRate, Channels: e.channels}, nil
}
