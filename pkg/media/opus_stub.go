//go:build noopus

package media

func newOpusDecoder(int, int) (Decoder, error) { return nil, ErrDecoderMissing }
