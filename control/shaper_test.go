package control

import (
	"testing"
	"time"
)

func probs(left, right, both, neutral float64) map[string]float64 {
	return map[string]float64{
		"Left_Fist":  left,
		"Right_Fist": right,
		"Both_Fists": both,
		"Rest":       neutral,
	}
}

func TestRatioLeftDominantYieldsNegativeRotation(t *testing.T) {
	t.Parallel()

	s := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Update(probs(0.6, 0.1, 0, 0.3), 0.8, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	cmd := s.VelocityCommand()
	if cmd.Rotation >= 0 {
		t.Fatalf("left-dominant input produced rotation %d, want negative", cmd.Rotation)
	}
	if cmd.Forward != 0 {
		t.Fatalf("no forward activation but forward velocity %d", cmd.Forward)
	}
}

func TestVelocityAlwaysClamped(t *testing.T) {
	t.Parallel()

	cfg := DefaultShaperConfig()
	cfg.MaxRotationSpeed = 150 // exceeds the wire range on purpose
	s := NewShaper(cfg, SpikeConfig{})

	base := time.Now()
	for i := 0; i < 10; i++ {
		s.Update(probs(0, 1.0, 0, 0), 1.0, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	cmd := s.VelocityCommand()
	if cmd.Rotation != 100 {
		t.Fatalf("saturated rotation is %d, want clamp at 100", cmd.Rotation)
	}
	if cmd.Forward < -100 || cmd.Forward > 100 {
		t.Fatalf("forward %d outside [-100,100]", cmd.Forward)
	}
}

func TestNoDataAndDisabledReturnNeutral(t *testing.T) {
	t.Parallel()

	s := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	if cmd := s.VelocityCommand(); cmd.Forward != 0 || cmd.Rotation != 0 {
		t.Fatalf("no-data command not neutral: %+v", cmd)
	}

	cfg := DefaultShaperConfig()
	cfg.Enabled = false
	off := NewShaper(cfg, SpikeConfig{})
	off.Update(probs(0.9, 0, 0, 0), 0.9, time.Now())
	if cmd := off.VelocityCommand(); cmd.Forward != 0 || cmd.Rotation != 0 {
		t.Fatalf("disabled shaper produced %+v", cmd)
	}
}

func TestDeadZoneSuppressesWeakIntent(t *testing.T) {
	t.Parallel()

	s := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	base := time.Now()
	// Near-balanced fists: rotation ratio ~-0.05, forward boost 0.225, both
	// below their dead zones.
	for i := 0; i < 5; i++ {
		s.Update(probs(0.5, 0.45, 0, 0.05), 1.0, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	cmd := s.VelocityCommand()
	if cmd.Rotation != 0 || cmd.Forward != 0 {
		t.Fatalf("sub-dead-zone input produced %+v, want neutral", cmd)
	}
}

func TestConfidenceWeightingReducesAuthority(t *testing.T) {
	t.Parallel()

	run := func(confidence float64) int {
		s := NewShaper(DefaultShaperConfig(), SpikeConfig{})
		base := time.Now()
		for i := 0; i < 5; i++ {
			s.Update(probs(0.7, 0.05, 0, 0.25), confidence, base.Add(time.Duration(i)*100*time.Millisecond))
		}
		return s.VelocityCommand().Rotation
	}

	confident := run(1.0)
	hesitant := run(0.2)
	if confident >= 0 || hesitant > 0 {
		t.Fatalf("rotation signs wrong: confident=%d hesitant=%d", confident, hesitant)
	}
	if -hesitant >= -confident {
		t.Fatalf("low confidence did not reduce authority: confident=%d hesitant=%d", confident, hesitant)
	}
}

func TestBothFistsDriveForward(t *testing.T) {
	t.Parallel()

	s := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Update(probs(0.1, 0.1, 0.6, 0.2), 0.9, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	cmd := s.VelocityCommand()
	if cmd.Forward <= 0 {
		t.Fatalf("both-fists activation produced forward %d, want positive", cmd.Forward)
	}
}

func TestAdaptiveDeadZoneTracksNoise(t *testing.T) {
	t.Parallel()

	clean := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	noisy := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	base := time.Now()
	neutrals := []float64{0.1, 0.5, 0.9}
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * 100 * time.Millisecond)
		clean.Update(probs(0.2, 0.2, 0, 0.5), 0.8, ts)
		noisy.Update(probs(0.2, 0.2, 0, neutrals[i]), 0.8, ts)
	}

	cleanZone := clean.State().DeadZone
	noisyZone := noisy.State().DeadZone
	if noisyZone <= cleanZone {
		t.Fatalf("noisy dead zone %.3f not wider than clean %.3f", noisyZone, cleanZone)
	}
	cfg := DefaultShaperConfig()
	if noisyZone > cfg.DeadZoneMax || cleanZone < cfg.DeadZoneMin {
		t.Fatalf("dead zones escaped [%.2f,%.2f]: clean=%.3f noisy=%.3f",
			cfg.DeadZoneMin, cfg.DeadZoneMax, cleanZone, noisyZone)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	s := NewShaper(DefaultShaperConfig(), SpikeConfig{})
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Update(probs(0.8, 0.05, 0, 0.15), 0.9, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	if cmd := s.VelocityCommand(); cmd.Rotation == 0 {
		t.Fatal("expected non-zero rotation before reset")
	}

	s.Reset()
	if cmd := s.VelocityCommand(); cmd.Rotation != 0 || cmd.Forward != 0 {
		t.Fatalf("post-reset command not neutral: %+v", cmd)
	}
	if s.State().HasData {
		t.Fatal("state still reports data after reset")
	}
}

func newSpikeShaper() *Shaper {
	cfg := DefaultShaperConfig()
	cfg.Strategy = StrategySpike
	cfg.AdaptiveDeadZone = false
	cfg.DeadZone = 0.05
	cfg.SmoothingFactor = 0.3
	return NewShaper(cfg, DefaultSpikeConfig())
}

func TestSpikeFiresOnExcursion(t *testing.T) {
	t.Parallel()

	s := newSpikeShaper()
	base := time.Now()
	// Flat baseline long enough to fill the statistics window, then a single
	// sharp right-class excursion.
	for i := 0; i < 12; i++ {
		s.Update(probs(0.2, 0.2, 0, 0.6), 0.8, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	s.Update(probs(0.2, 0.9, 0, 0.1), 0.9, base.Add(1200*time.Millisecond))

	cmd := s.VelocityCommand()
	if cmd.Rotation <= 0 {
		t.Fatalf("right-class spike produced rotation %d, want positive", cmd.Rotation)
	}
}

func TestSpikeImpulseExpires(t *testing.T) {
	t.Parallel()

	s := newSpikeShaper()
	base := time.Now()
	for i := 0; i < 12; i++ {
		s.Update(probs(0.2, 0.2, 0, 0.6), 0.8, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	s.Update(probs(0.2, 0.9, 0, 0.1), 0.9, base.Add(1200*time.Millisecond))
	peak := s.VelocityCommand().Rotation

	// Past the maximum impulse age the intent must drain back to zero.
	late := base.Add(4200 * time.Millisecond)
	for i := 0; i < 6; i++ {
		s.Update(probs(0.2, 0.2, 0, 0.6), 0.8, late.Add(time.Duration(i)*100*time.Millisecond))
	}
	cmd := s.VelocityCommand()
	if cmd.Rotation >= peak {
		t.Fatalf("rotation %d did not decay from peak %d", cmd.Rotation, peak)
	}
	if cmd.Rotation != 0 {
		t.Fatalf("rotation %d after impulse expiry, want 0", cmd.Rotation)
	}
}

func TestSpikeNeedsWarmup(t *testing.T) {
	t.Parallel()

	s := newSpikeShaper()
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Update(probs(0.2, 0.2, 0, 0.6), 0.8, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	s.Update(probs(0.2, 0.9, 0, 0.1), 0.9, base.Add(500*time.Millisecond))

	if cmd := s.VelocityCommand(); cmd.Rotation != 0 {
		t.Fatalf("spike fired before statistics warmup: rotation %d", cmd.Rotation)
	}
}

func TestHeadingControllerDirections(t *testing.T) {
	t.Parallel()

	cfg := DefaultHeadingConfig()
	cfg.Enabled = true
	cfg.SmoothingFactor = 0.1 // near-raw response for the test
	h := NewHeadingController(cfg)

	now := time.Now()
	h.Update(probs(0.1, 0.9, 0, 0), now)
	cmd := h.RotationCommand()
	if cmd == nil || cmd.Command != "cw" {
		t.Fatalf("right-dominant input produced %+v, want cw", cmd)
	}
	if cmd.Degrees != cfg.FastDegrees {
		t.Fatalf("strong control value got %d degrees, want fast step %d", cmd.Degrees, cfg.FastDegrees)
	}

	h.Reset()
	h.Update(probs(0.9, 0.1, 0, 0), now)
	cmd = h.RotationCommand()
	if cmd == nil || cmd.Command != "ccw" {
		t.Fatalf("left-dominant input produced %+v, want ccw", cmd)
	}

	h.Reset()
	h.Update(probs(0.5, 0.5, 0, 0), now)
	if cmd := h.RotationCommand(); cmd != nil {
		t.Fatalf("balanced input produced %+v, want nil", cmd)
	}
}
