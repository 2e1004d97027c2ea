package protocol

import (
	"fmt"
	"time"
)

// AudioFrame represents PCM audio streamed from a room participant.
type AudioFrame struct {
	Room          string `json:"room"`
	ParticipantID string `json:"participant_id"`
	Sequence      int    `json:"sequence"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	PCM           []byte `json:"pcm"`
	Final         bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	Room          string    `json:"room"`
	ParticipantID string    `json:"participant_id"`
	Text          string    `json:"text"`
	Language      string    `json:"language,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Confidence    float64   `json:"confidence,omitempty"`
}

// ChatMessage is a text message posted into a room.
type ChatMessage struct {
	Room          string    `json:"room"`
	ParticipantID string    `json:"participant_id"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// CalledFunction is the result of one tool call made by the assistant.
type CalledFunction struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// FunctionCallsFinished reports a completed batch of tool calls.
type FunctionCallsFinished struct {
	Room  string           `json:"room"`
	Calls []CalledFunction `json:"calls"`
}

// AudioChunk carries one synthesized sentence back into the room.
type AudioChunk struct {
	Room        string `json:"room"`
	UtteranceID string `json:"utterance_id"`
	Sequence    int    `json:"sequence"`
	Text        string `json:"text"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

const (
	SpeechStarted   = "started"
	SpeechCompleted = "completed"
	SpeechCancelled = "cancelled"
)

// SpeechStatus tracks an utterance through its lifecycle.
type SpeechStatus struct {
	Room        string    `json:"room"`
	UtteranceID string    `json:"utterance_id"`
	State       string    `json:"state"`
	Segments    int       `json:"segments"`
	Timestamp   time.Time `json:"timestamp"`
}

// SpeechError reports a sentence that was replaced by silence.
type SpeechError struct {
	Room        string    `json:"room"`
	UtteranceID string    `json:"utterance_id"`
	Sequence    int       `json:"sequence"`
	Text        string    `json:"text"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectSpeechStatus     = "agent.speech.status"
	SubjectSpeechError      = "agent.speech.error"
)

func SubjectRoomChat(room string) string      { return fmt.Sprintf("room.%s.chat", room) }
func SubjectRoomFunctions(room string) string { return fmt.Sprintf("room.%s.functions", room) }
func SubjectRoomAudio(room string) string     { return fmt.Sprintf("room.%s.audio", room) }
func SubjectAudioFrame(room string) string {
	return fmt.Sprintf("%s.%s", SubjectAudioFramePrefix, room)
}
