// Package vad implements the adaptive voice-activity detector used to drive
// the live "user is talking" indicator.
//
// Loudness is measured per frame; a noise floor is learned from the first
// CalibrationFrames frames of the session and then frozen, so a long answer
// cannot drag the threshold upward. Decisions are emitted on a fixed polling
// interval that does not depend on the device frame size.
package vad

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultInterval          = 25 * time.Millisecond
	DefaultCalibrationFrames = 100
	DefaultGain              = 3.0
)

// Threshold tiers.
const (
	noisyRoomFloor  = 0.05
	noisyMinimum    = 0.08
	noisyMultiplier = 1.5
	quietMinimum    = 0.15
	quietMultiplier = 4.0
)

// Sample is one detector decision.
type Sample struct {
	Active     bool      `json:"active"`
	Volume     float64   `json:"volume"`
	NoiseFloor float64   `json:"noise_floor"`
	Threshold  float64   `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config configures a Detector.
type Config struct {
	// Interval between emitted decisions.
	Interval time.Duration

	// CalibrationFrames is how many frames feed the noise floor average.
	CalibrationFrames int

	// Gain scales the floor-corrected loudness into the 0..1 volume.
	Gain float64

	Logger *slog.Logger
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:          DefaultInterval,
		CalibrationFrames: DefaultCalibrationFrames,
		Gain:              DefaultGain,
		Logger:            slog.Default(),
	}
}

// Threshold returns the activity threshold for a noise floor. Quiet rooms
// get an absolute minimum; noisy rooms a proportional one.
func Threshold(noiseFloor float64) float64 {
	if noiseFloor > noisyRoomFloor {
		return math.Max(noisyMinimum, noiseFloor*noisyMultiplier)
	}
	return math.Max(quietMinimum, noiseFloor*quietMultiplier)
}

// Loudness is the square root of the mean absolute amplitude.
func Loudness(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range samples {
		total += math.Abs(float64(s))
	}
	return math.Sqrt(total / float64(len(samples)))
}

// Detector tracks the noise floor and current volume.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	noiseFloor float64
	calibrated int
	volume     float64
	frames     int64
}

// New creates a Detector. Zero fields in cfg take defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CalibrationFrames <= 0 {
		cfg.CalibrationFrames = def.CalibrationFrames
	}
	if cfg.Gain <= 0 {
		cfg.Gain = def.Gain
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Detector{cfg: cfg, logger: cfg.Logger.With("component", "vad")}
}

// Process measures one frame and updates the volume. Frames captured while
// detection is suppressed should not be passed in; they would poison the
// noise floor with the avatar's own voice.
func (d *Detector) Process(samples []float32) {
	if len(samples) == 0 {
		return
	}
	rms := Loudness(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.calibrated < d.cfg.CalibrationFrames {
		d.noiseFloor = (d.noiseFloor*float64(d.calibrated) + rms) / float64(d.calibrated+1)
		d.calibrated++
		if d.calibrated == d.cfg.CalibrationFrames {
			d.logger.Debug("noise floor frozen", "noise_floor", d.noiseFloor, "threshold", Threshold(d.noiseFloor))
		}
	}

	adjusted := math.Max(0, rms-d.noiseFloor)
	d.volume = math.Max(0, math.Min(1, adjusted*d.cfg.Gain))
	d.frames++
}

// Evaluate returns the current decision. When suppressed it is always
// inactive with zero volume.
func (d *Detector) Evaluate(suppressed bool) Sample {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Sample{
		NoiseFloor: d.noiseFloor,
		Threshold:  Threshold(d.noiseFloor),
		Timestamp:  time.Now(),
	}
	if suppressed || d.frames == 0 {
		return s
	}
	if d.volume >= s.Threshold {
		s.Active = true
		s.Volume = d.volume
	}
	return s
}

// Calibrated reports whether the noise floor is frozen.
func (d *Detector) Calibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrated >= d.cfg.CalibrationFrames
}

// NoiseFloor returns the current noise floor estimate.
func (d *Detector) NoiseFloor() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseFloor
}

// Reset forgets the calibration. Used when a new session starts.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.noiseFloor = 0
	d.calibrated = 0
	d.volume = 0
	d.frames = 0
	d.mu.Unlock()
}

// Run feeds frames into the detector and emits a decision every interval
// until ctx is cancelled or frames is closed. suppressed is polled for
// every frame and every decision.
func (d *Detector) Run(ctx context.Context, frames <-chan []float32, suppressed func() bool, emit func(Sample)) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if !suppressed() {
				d.Process(f)
			}
		case <-ticker.C:
			emit(d.Evaluate(suppressed()))
		}
	}
}
