package vad

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func constant(v float32, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestThreshold(t *testing.T) {
	tests := []struct {
		floor float64
		want  float64
	}{
		{0, 0.15},
		{0.02, 0.15},
		{0.05, 0.2},
		{0.051, 0.08},
		{0.1, 0.15},
		{0.2, 0.3},
	}
	for _, tt := range tests {
		if got := Threshold(tt.floor); !near(got, tt.want) {
			t.Errorf("Threshold(%v) = %v, want %v", tt.floor, got, tt.want)
		}
	}
}

func TestLoudness(t *testing.T) {
	if got := Loudness(nil); got != 0 {
		t.Errorf("Loudness(nil) = %v", got)
	}
	// mean |x| = 0.25 -> sqrt = 0.5
	if got := Loudness([]float32{0.25, -0.25, 0.25, -0.25}); !near(got, 0.5) {
		t.Errorf("Loudness = %v, want 0.5", got)
	}
}

func TestDetector_FloorFreezes(t *testing.T) {
	d := New(Config{CalibrationFrames: 4, Logger: nil})

	for i := 0; i < 4; i++ {
		d.Process(constant(0.0001, 128)) // loudness 0.01
	}
	if !d.Calibrated() {
		t.Fatal("detector should be calibrated after 4 frames")
	}
	floor := d.NoiseFloor()
	if !near(floor, 0.01) {
		t.Fatalf("noise floor = %v, want 0.01", floor)
	}

	// Loud speech after calibration must not move the floor.
	for i := 0; i < 20; i++ {
		d.Process(constant(0.25, 128))
	}
	if d.NoiseFloor() != floor {
		t.Errorf("noise floor drifted to %v", d.NoiseFloor())
	}

	s := d.Evaluate(false)
	if !s.Active {
		t.Errorf("expected active, got %+v", s)
	}
	// (0.5 - 0.01) * 3 clamps to 1.
	if s.Volume != 1 {
		t.Errorf("volume = %v, want 1", s.Volume)
	}
}

func TestDetector_QuietIsInactive(t *testing.T) {
	d := New(Config{CalibrationFrames: 2})
	d.Process(constant(0.0001, 64))
	d.Process(constant(0.0001, 64))
	d.Process(constant(0.0009, 64)) // loudness 0.03, adjusted 0.02, volume 0.06

	s := d.Evaluate(false)
	if s.Active || s.Volume != 0 {
		t.Errorf("expected inactive zero volume, got %+v", s)
	}
	if !near(s.Threshold, 0.15) {
		t.Errorf("threshold = %v, want 0.15", s.Threshold)
	}
}

func TestDetector_Suppressed(t *testing.T) {
	d := New(Config{CalibrationFrames: 1})
	d.Process(constant(0, 64))
	d.Process(constant(0.25, 64))

	if s := d.Evaluate(true); s.Active || s.Volume != 0 {
		t.Errorf("suppressed sample = %+v, want inactive zero", s)
	}
	if s := d.Evaluate(false); !s.Active {
		t.Errorf("unsuppressed sample = %+v, want active", s)
	}
}

func TestDetector_Reset(t *testing.T) {
	d := New(Config{CalibrationFrames: 1})
	d.Process(constant(0.04, 64))
	d.Reset()
	if d.Calibrated() || d.NoiseFloor() != 0 {
		t.Error("Reset did not clear calibration")
	}
	if s := d.Evaluate(false); s.Active {
		t.Error("fresh detector reported activity")
	}
}

func TestDetector_Run(t *testing.T) {
	d := New(Config{Interval: 5 * time.Millisecond, CalibrationFrames: 1})

	var mu sync.Mutex
	suppressed := true
	var samples []Sample

	frames := make(chan []float32)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, frames,
			func() bool { mu.Lock(); defer mu.Unlock(); return suppressed },
			func(s Sample) { mu.Lock(); samples = append(samples, s); mu.Unlock() })
		close(done)
	}()

	// Loud frames while suppressed are ignored entirely.
	frames <- constant(0.25, 64)
	time.Sleep(20 * time.Millisecond)
	if d.Calibrated() {
		t.Error("suppressed frame fed the noise floor")
	}

	mu.Lock()
	for _, s := range samples {
		if s.Active || s.Volume != 0 {
			t.Errorf("suppressed period emitted %+v", s)
		}
	}
	suppressed = false
	samples = nil
	mu.Unlock()

	frames <- constant(0, 64)
	frames <- constant(0.25, 64)
	time.Sleep(30 * time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	active := false
	for _, s := range samples {
		if s.Active {
			active = true
		}
	}
	if !active {
		t.Error("no active sample emitted after speech")
	}
}
