package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFragments(t *testing.T) {
	got := fragments("नमस्ते दुनिया", 4)
	if strings.Join(got, "") != "नमस्ते दुनिया" {
		t.Fatalf("fragments lost text: %q", got)
	}
	for _, f := range got[:len(got)-1] {
		if n := len([]rune(f)); n != 4 {
			t.Fatalf("expected 4 runes per fragment, got %d in %q", n, f)
		}
	}
	if got := fragments("abc", 0); len(got) != 1 {
		t.Fatalf("expected a single fragment, got %q", got)
	}
}

func TestRunSayWritesWAV(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.wav")
	if err := runSay("", "Hello world. How are you?", out, 5); err != nil {
		t.Fatalf("run say: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	// 44 byte header plus the mock backend's silence.
	if info.Size() <= 44 {
		t.Fatalf("expected audio data, got %d bytes", info.Size())
	}
}
