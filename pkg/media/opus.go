//go:build !noopus

package media

import "gopkg.in/hraban/opus.v2"

func newOpusDecoder(sampleRate, channels int) (Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return dec, nil
}
