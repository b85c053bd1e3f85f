package tts_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/teslashibe/go-interview/internal/log"
	"github.com/teslashibe/go-interview/pkg/tts"
)

func wavBytes(rate, channels int, data []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(data)))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

func TestParseWAV(t *testing.T) {
	pcm := make([]byte, 4410)
	w, err := tts.ParseWAV(wavBytes(22050, 1, pcm))
	if err != nil {
		t.Fatalf("ParseWAV() error = %v", err)
	}
	if w.SampleRate != 22050 || w.Channels != 1 || w.BitDepth != 16 || len(w.Data) != len(pcm) {
		t.Errorf("ParseWAV() = %+v", w)
	}

	t.Run("streamed size", func(t *testing.T) {
		b := wavBytes(22050, 1, pcm)
		binary.LittleEndian.PutUint32(b[40:], 0xFFFFFFFF)
		w, err := tts.ParseWAV(b)
		if err != nil {
			t.Fatalf("ParseWAV() error = %v", err)
		}
		if len(w.Data) != len(pcm) {
			t.Errorf("data = %d bytes, want %d", len(w.Data), len(pcm))
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, b := range [][]byte{nil, []byte("not a wav file at all")} {
			if _, err := tts.ParseWAV(b); !errors.Is(err, tts.ErrInvalidWAV) {
				t.Errorf("ParseWAV(%q) error = %v, want ErrInvalidWAV", b, err)
			}
		}
	})
}

func TestLocal_Synthesize(t *testing.T) {
	var gotArgs []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "/usr/bin/espeak-ng" {
			t.Errorf("binary = %s", name)
		}
		gotArgs = args
		return wavBytes(22050, 1, make([]byte, 44100)), nil
	}
	look := func(name string) (string, error) { return "/usr/bin/" + name, nil }

	l := tts.NewLocal(tts.WithLocalRunner(run, look), tts.WithLocalLogger(log.Discard()))
	result, err := l.Synthesize(context.Background(), " Thanks  for joining. ")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", result.Duration)
	}
	if result.Format.SampleRate != 22050 || result.Provider != "local" {
		t.Errorf("result = %+v", result)
	}
	if !slices.Contains(gotArgs, "--stdout") || gotArgs[len(gotArgs)-1] != "Thanks for joining." {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestLocal_Unavailable(t *testing.T) {
	look := func(string) (string, error) { return "", errors.New("not found") }
	l := tts.NewLocal(tts.WithLocalRunner(nil, look), tts.WithLocalLogger(log.Discard()))

	if l.Available() {
		t.Error("Available() = true without engine")
	}
	if _, err := l.Synthesize(context.Background(), "Hello"); !errors.Is(err, tts.ErrLocalUnavailable) {
		t.Errorf("Synthesize() error = %v, want ErrLocalUnavailable", err)
	}
	if err := l.Health(context.Background()); err == nil {
		t.Error("Health() should fail")
	}
}

func TestLocal_FallsBackToEspeak(t *testing.T) {
	look := func(name string) (string, error) {
		if name == "espeak" {
			return "/bin/espeak", nil
		}
		return "", errors.New("not found")
	}
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return wavBytes(16000, 1, []byte{0, 0}), nil
	}
	l := tts.NewLocal(tts.WithLocalRunner(run, look), tts.WithLocalLogger(log.Discard()))
	if err := l.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
