package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, language string) (TranscriptResult, error) {
	if language == "" {
		language = "und"
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript bytes=%d]", language, len(pcm)),
	}, nil
}
