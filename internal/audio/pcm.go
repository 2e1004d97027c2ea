// Package audio holds helpers for 16-bit little-endian PCM.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bytesPerSample = 2

var ErrUnaligned = errors.New("pcm payload not aligned")

// Silence returns d worth of zeroed samples.
func Silence(d time.Duration, sampleRate, channels int) []byte {
	if d <= 0 || sampleRate <= 0 || channels <= 0 {
		return nil
	}
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return make([]byte, frames*channels*bytesPerSample)
}

// Duration reports the playback length of pcm.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := len(pcm) / (channels * bytesPerSample)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// Samples decodes pcm into signed sample values.
func Samples(pcm []byte) ([]int, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, ErrUnaligned
	}
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return samples, nil
}

// WriteWAV encodes pcm as a 16-bit WAV stream.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	samples, err := Samples(pcm)
	if err != nil {
		return err
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
