package audioio

// FloatToPCM16 converts one float sample to int16. The input is clamped to
// [-1, 1] first; negative values scale by 0x8000 and positive by 0x7FFF so
// both extremes map exactly onto the int16 range.
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// EncodePCM16 converts float samples to little-endian PCM16 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := FloatToPCM16(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat converts int16 samples to floats in [-1, 1).
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 0x8000
	}
	return out
}
