package audio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

func TestSilenceDuration(t *testing.T) {
	pcm := Silence(250*time.Millisecond, 16000, 1)
	if len(pcm) != 8000 {
		t.Fatalf("expected 8000 bytes, got %d", len(pcm))
	}
	if d := Duration(pcm, 16000, 1); d != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", d)
	}
	if Silence(0, 16000, 1) != nil {
		t.Fatal("expected nil for zero duration")
	}
}

func TestSamplesUnaligned(t *testing.T) {
	if _, err := Samples([]byte{1, 2, 3}); err != ErrUnaligned {
		t.Fatalf("expected ErrUnaligned, got %v", err)
	}
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x10, 0x00, 0x00, 0x80}
	if err := WriteWAV(f, pcm, 22050, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	if dec.SampleRate != 22050 || dec.NumChans != 1 {
		t.Fatalf("unexpected header: rate=%d chans=%d", dec.SampleRate, dec.NumChans)
	}
}
