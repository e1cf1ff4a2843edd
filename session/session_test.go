package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"bci-flight/control"
	"bci-flight/models"
)

type stubSource struct {
	ch chan models.ResultBatch
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan models.ResultBatch, 64)}
}

func (s *stubSource) Start() error                       { return nil }
func (s *stubSource) Results() <-chan models.ResultBatch { return s.ch }
func (s *stubSource) Stop()                              {}
func (s *stubSource) push(batch models.ResultBatch)      { s.ch <- batch }

type captureSink struct {
	mu         sync.Mutex
	decisions  []control.Decision
	velocities []models.VelocityCommand
	rotations  []control.RotationCommand
}

func (c *captureSink) SendDecision(d control.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, d)
	return nil
}

func (c *captureSink) SendVelocity(v models.VelocityCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.velocities = append(c.velocities, v)
	return nil
}

func (c *captureSink) SendRotation(r control.RotationCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotations = append(c.rotations, r)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) decisionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.decisions)
}

func (c *captureSink) velocityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.velocities)
}

func (c *captureSink) lastDecision() control.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decisions[len(c.decisions)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(src *stubSource, snk *captureSink, opts func(*Config)) *Session {
	consCfg := control.DefaultConsolidatorConfig()
	consCfg.Thresholds = map[string]float64{"Push": 0.6}
	consCfg.Durations = map[string]time.Duration{"Push": 400 * time.Millisecond}
	consCfg.MinConsistent = 3

	arbCfg := control.DefaultArbiterConfig()
	arbCfg.Thresholds = map[string]float64{"Push": 0.6}
	arbCfg.Mappings = map[string]control.CommandMapping{
		"Push": {Command: control.CommandToggle, Enabled: true},
	}

	cfg := Config{
		Source:       src,
		Sink:         snk,
		Consolidator: control.NewConsolidator(consCfg),
		Arbiter:      control.NewArbiter(arbCfg),
		Shaper:       control.NewShaper(control.DefaultShaperConfig(), control.SpikeConfig{}),
		UpdateRateHz: 50,
	}
	if opts != nil {
		opts(&cfg)
	}
	return New(cfg)
}

func pushBatch(src *stubSource, class string, confidence float64, at time.Time) {
	src.push(models.ResultBatch{
		Results: map[string]models.ClassifierResult{
			"8_class": {
				ClassifierID:   "8_class",
				PredictedClass: class,
				Confidence:     confidence,
				Probabilities:  map[string]float64{class: confidence},
				Timestamp:      at,
			},
		},
		Timestamp: at,
	})
}

func TestSustainedIntentDrivesTakeoff(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	snk := &captureSink{}
	sess := newTestSession(src, snk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	base := time.Now()
	for i := 0; i < 4; i++ {
		pushBatch(src, "Push", 0.8, base.Add(time.Duration(i)*150*time.Millisecond))
	}

	waitFor(t, "takeoff decision", func() bool { return snk.decisionCount() > 0 })
	if d := snk.lastDecision(); d.Command != control.CommandTakeoff {
		t.Fatalf("dispatched %q, want takeoff", d.Command)
	}

	sess.NotifyCompletion(control.CommandTakeoff, true)
	if got := sess.Snapshot(time.Now()).Arbiter.Phase; got != control.PhaseFlying {
		t.Fatalf("phase after completion %q, want flying", got)
	}

	// One episode, one command: the same sustained hold must not fire again.
	count := snk.decisionCount()
	pushBatch(src, "Push", 0.8, base.Add(700*time.Millisecond))
	time.Sleep(150 * time.Millisecond)
	if snk.decisionCount() != count {
		t.Fatalf("episode re-fired: %d decisions", snk.decisionCount())
	}
}

func TestVelocityStreamGatedOnFlying(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	snk := &captureSink{}
	sess := newTestSession(src, snk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	// Grounded: the continuous channel stays silent.
	time.Sleep(200 * time.Millisecond)
	if n := snk.velocityCount(); n != 0 {
		t.Fatalf("%d velocity samples while grounded, want 0", n)
	}

	sess.NotifyCompletion(control.CommandTakeoff, true)
	waitFor(t, "velocity stream", func() bool { return snk.velocityCount() > 3 })

	sess.NotifyCompletion(control.CommandLand, true)
	time.Sleep(100 * time.Millisecond)
	quiesced := snk.velocityCount()
	time.Sleep(200 * time.Millisecond)
	if snk.velocityCount() != quiesced {
		t.Fatal("velocity stream kept flowing after landing")
	}
}

func TestSignalLossForcesLanding(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	snk := &captureSink{}
	sess := newTestSession(src, snk, func(cfg *Config) {
		cfg.SignalTimeout = 300 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	pushBatch(src, "Rest", 0.9, time.Now())
	sess.NotifyCompletion(control.CommandTakeoff, true)

	// No further batches arrive; the supervisor must land the vehicle.
	waitFor(t, "forced landing", func() bool {
		return snk.decisionCount() > 0 && snk.lastDecision().Forced
	})
	if d := snk.lastDecision(); d.Command != control.CommandLand {
		t.Fatalf("forced decision %q, want land", d.Command)
	}
	if got := sess.Snapshot(time.Now()).Arbiter.Phase; got != control.PhaseLanding {
		t.Fatalf("phase %q, want landing", got)
	}
}

func TestFlightTimeLimitForcesLanding(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	snk := &captureSink{}
	sess := newTestSession(src, snk, func(cfg *Config) {
		cfg.MaxFlightTime = 300 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	sess.NotifyCompletion(control.CommandTakeoff, true)
	waitFor(t, "forced landing", func() bool {
		return snk.decisionCount() > 0 && snk.lastDecision().Forced
	})
}

func TestTakeoffCompletionResetsShaper(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	snk := &captureSink{}
	sess := newTestSession(src, snk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	// Build up continuous intent before flight.
	base := time.Now()
	for i := 0; i < 5; i++ {
		src.push(models.ResultBatch{
			Results: map[string]models.ClassifierResult{
				"4_class": {
					ClassifierID:   "4_class",
					PredictedClass: "Right_Fist",
					Confidence:     0.9,
					Probabilities:  map[string]float64{"Right_Fist": 0.9},
					Timestamp:      base.Add(time.Duration(i) * 100 * time.Millisecond),
				},
			},
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}
	waitFor(t, "shaper intent", func() bool {
		return sess.Snapshot(time.Now()).Shaper.RotationVelocity != 0
	})

	sess.NotifyCompletion(control.CommandTakeoff, true)
	if v := sess.Snapshot(time.Now()).Shaper.RotationVelocity; v != 0 {
		t.Fatalf("residual rotation intent %v after takeoff", v)
	}
}
