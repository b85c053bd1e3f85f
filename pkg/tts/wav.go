package tts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned for data that is not a PCM RIFF/WAVE file.
var ErrInvalidWAV = errors.New("tts: invalid wav data")

// WAV is a decoded PCM WAVE file.
type WAV struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Data       []byte
}

// ParseWAV extracts the format and sample data of a PCM WAVE file.
// Streamed output with a placeholder data size is read to the end.
func ParseWAV(b []byte) (*WAV, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, ErrInvalidWAV
	}

	var w WAV
	var sawFmt bool
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			if tag := binary.LittleEndian.Uint16(b[body:]); tag != 1 {
				return nil, fmt.Errorf("%w: format tag %d is not PCM", ErrInvalidWAV, tag)
			}
			w.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			w.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			w.BitDepth = int(binary.LittleEndian.Uint16(b[body+14:]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			end := body + size
			if size < 0 || end > len(b) || end < body {
				end = len(b)
			}
			w.Data = b[body:end]
			return &w, nil
		}

		off = body + size + size&1
		if off < body {
			break
		}
	}
	return nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
