//go:build !portaudio

package audioio

import "log/slog"

func portAudioAvailable() bool { return false }

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, ErrBackendUnavailable
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return nil, ErrBackendUnavailable
}
