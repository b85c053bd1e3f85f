package audioio

import (
	"fmt"
	"log/slog"
)

// NewSource creates a new audio source with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := resolve(cfg.Backend)
	logger.Info("creating audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"frame_size", cfg.BufferSize(),
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendPortAudio:
		return newPortAudioSource(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewSink creates a new audio sink with the given configuration.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := resolve(cfg.Backend)
	logger.Info("creating audio sink",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
	)

	switch backend {
	case BackendMock:
		return NewMockSink(cfg, logger), nil
	case BackendPortAudio:
		return newPortAudioSink(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

func resolve(b Backend) Backend {
	if b != BackendAuto && b != "" {
		return b
	}
	if portAudioAvailable() {
		return BackendPortAudio
	}
	return BackendMock
}

// AvailableBackends returns the backends compiled into this binary.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock}
	if portAudioAvailable() {
		backends = append(backends, BackendPortAudio)
	}
	return backends
}
