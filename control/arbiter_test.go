package control

import (
	"testing"
	"time"

	"bci-flight/models"
)

func newTestArbiter() *Arbiter {
	cfg := DefaultArbiterConfig()
	cfg.Thresholds = map[string]float64{
		"Push":       0.6,
		"Left_Fist":  0.4,
		"Right_Fist": 0.4,
	}
	cfg.Mappings = map[string]CommandMapping{
		"Push":       {Command: CommandToggle, Enabled: true, Description: "takeoff if grounded, land if flying"},
		"Left_Fist":  {Command: "rotate_left", Enabled: true, Degrees: 45},
		"Right_Fist": {Command: "rotate_right", Enabled: true, Degrees: 45},
		"Pull":       {Command: "back", Enabled: false},
	}
	return NewArbiter(cfg)
}

func tickResult(classifierID, class string, confidence float64) map[string]models.ClassifierResult {
	return map[string]models.ClassifierResult{
		classifierID: {
			ClassifierID:   classifierID,
			PredictedClass: class,
			Confidence:     confidence,
			Probabilities:  map[string]float64{class: confidence},
		},
	}
}

func TestTakeoffScenario(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()

	decision := a.MapPredictions(tickResult("8_class", "Push", 0.8), nil, now)
	if decision == nil {
		t.Fatal("expected a takeoff decision")
	}
	if decision.Command != CommandTakeoff {
		t.Fatalf("toggle in grounded phase resolved to %q, want takeoff", decision.Command)
	}
	if decision.SourceClass != "Push" || decision.SourceClassifier != "8_class" {
		t.Fatalf("unexpected provenance: %+v", decision)
	}
	if a.Phase() != PhaseTakingOff {
		t.Fatalf("phase after takeoff dispatch is %q, want taking_off", a.Phase())
	}

	// Default takeoff cooldown is 3s: denied just before, allowed at the edge.
	if a.IsAllowed("rotate_left", now.Add(2900*time.Millisecond)) {
		t.Fatal("command allowed inside the takeoff cooldown")
	}
	if !a.IsAllowed("status", now.Add(3*time.Second)) {
		// status is not restricted in any phase, so only the cooldown
		// should have held it back.
		t.Fatal("command still denied at cooldown expiry")
	}
}

func TestCompletionTransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		phase   FlightPhase
		command string
		success bool
		want    FlightPhase
	}{
		{"takeoff success", PhaseTakingOff, CommandTakeoff, true, PhaseFlying},
		{"takeoff failure", PhaseTakingOff, CommandTakeoff, false, PhaseGrounded},
		{"land success", PhaseLanding, CommandLand, true, PhaseGrounded},
		{"land failure", PhaseLanding, CommandLand, false, PhaseFlying},
		{"movement completion is a no-op", PhaseFlying, "rotate_left", true, PhaseFlying},
		{"movement failure is a no-op", PhaseFlying, "forward", false, PhaseFlying},
		{"late takeoff success still settles flying", PhaseGrounded, CommandTakeoff, true, PhaseFlying},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestArbiter()
			a.phase = tc.phase
			a.HandleCompletion(tc.command, tc.success)
			if a.Phase() != tc.want {
				t.Fatalf("(%s, %s, success=%v) → %q, want %q",
					tc.phase, tc.command, tc.success, a.Phase(), tc.want)
			}
		})
	}
}

func TestCompletionDoesNotAffectStablePhases(t *testing.T) {
	t.Parallel()

	for _, phase := range []FlightPhase{PhaseGrounded, PhaseFlying} {
		a := newTestArbiter()
		a.phase = phase
		a.HandleCompletion(CommandTakeoff, false)
		if a.Phase() != phase {
			t.Fatalf("failure callback moved stable phase %q to %q", phase, a.Phase())
		}
	}
}

func TestArbitrationDeterminism(t *testing.T) {
	t.Parallel()

	build := func() (*Arbiter, map[string]models.ClassifierResult) {
		a := newTestArbiter()
		a.phase = PhaseFlying
		results := map[string]models.ClassifierResult{
			"b_model": {
				ClassifierID:   "b_model",
				PredictedClass: "Right_Fist",
				Confidence:     0.9,
				Probabilities:  map[string]float64{"Right_Fist": 0.9},
			},
			"a_model": {
				ClassifierID:   "a_model",
				PredictedClass: "Left_Fist",
				Confidence:     0.9,
				Probabilities:  map[string]float64{"Left_Fist": 0.9},
			},
		}
		return a, results
	}

	// Equal priority (both 40) and equal confidence: the first classifier in
	// lexicographic order must win, every time.
	for i := 0; i < 10; i++ {
		a, results := build()
		decision := a.MapPredictions(results, nil, time.Now())
		if decision == nil {
			t.Fatal("expected a decision")
		}
		if decision.SourceClassifier != "a_model" || decision.Command != "rotate_left" {
			t.Fatalf("run %d selected %s/%s, want a_model/rotate_left", i, decision.SourceClassifier, decision.Command)
		}
	}
}

func TestPriorityBeatsConfidence(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	a.phase = PhaseFlying
	results := map[string]models.ClassifierResult{
		"8_class": {
			ClassifierID:   "8_class",
			PredictedClass: "Push",
			Confidence:     0.65,
			Probabilities:  map[string]float64{"Push": 0.65},
		},
		"4_class": {
			ClassifierID:   "4_class",
			PredictedClass: "Right_Fist",
			Confidence:     0.99,
			Probabilities:  map[string]float64{"Right_Fist": 0.99},
		},
	}

	decision := a.MapPredictions(results, nil, time.Now())
	if decision == nil {
		t.Fatal("expected a decision")
	}
	// Toggle resolves to land (priority 90) which outranks rotate_right (40)
	// despite the lower confidence.
	if decision.Command != CommandLand {
		t.Fatalf("selected %q, want land", decision.Command)
	}
}

func TestCooldownEnforcement(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()
	a.ApplyCooldown("rotate_left", now) // default cooldown 500ms

	if a.IsAllowed("rotate_right", now.Add(499*time.Millisecond)) {
		t.Fatal("command allowed before cooldown expiry")
	}
	if !a.IsAllowed(CommandTakeoff, now.Add(500*time.Millisecond)) {
		t.Fatal("command denied at cooldown expiry")
	}
}

func TestStreamingBypassesCooldownButNotPhase(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()
	a.ApplyCooldown(CommandTakeoff, now)

	if a.IsAllowed(CommandStreaming, now) {
		t.Fatal("streaming allowed while grounded")
	}
	a.phase = PhaseFlying
	if !a.IsAllowed(CommandStreaming, now) {
		t.Fatal("streaming denied while flying despite bypass")
	}
	a.phase = PhaseLanding
	if a.IsAllowed(CommandStreaming, now) {
		t.Fatal("streaming allowed while landing")
	}
}

func TestPhaseRestrictions(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()

	if a.IsAllowed("rotate_left", now) {
		t.Fatal("rotation allowed while grounded")
	}
	a.phase = PhaseFlying
	if !a.IsAllowed("rotate_left", now) {
		t.Fatal("rotation denied while flying")
	}
	a.phase = PhaseLanding
	if a.IsAllowed(CommandTakeoff, now) {
		t.Fatal("takeoff allowed while landing")
	}
}

func TestToggleDroppedMidTransition(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	a.phase = PhaseTakingOff

	decision := a.MapPredictions(tickResult("8_class", "Push", 0.9), nil, time.Now())
	if decision != nil {
		t.Fatalf("toggle produced %q mid-transition, want nothing", decision.Command)
	}
}

func TestDisabledAndUnmappedClassesDropped(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	a.phase = PhaseFlying
	now := time.Now()

	if d := a.MapPredictions(tickResult("8_class", "Pull", 0.99), nil, now); d != nil {
		t.Fatalf("disabled mapping produced decision %q", d.Command)
	}
	if d := a.MapPredictions(tickResult("8_class", "Tongue", 0.99), nil, now); d != nil {
		t.Fatalf("unmapped class produced decision %q", d.Command)
	}
	if d := a.MapPredictions(tickResult("8_class", "Rest", 0.99), nil, now); d != nil {
		t.Fatalf("neutral class produced decision %q", d.Command)
	}
	if d := a.MapPredictions(tickResult("8_class", "Push", 0.5), nil, now); d != nil {
		t.Fatalf("sub-threshold candidate produced decision %q", d.Command)
	}
}

func TestToggleReleaseLatch(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()

	if d := a.MapPredictions(tickResult("8_class", "Push", 0.8), nil, now); d == nil || d.Command != CommandTakeoff {
		t.Fatal("expected initial takeoff")
	}
	a.HandleCompletion(CommandTakeoff, true)

	// Push stays held: no land until the probability drops below 0.7x the
	// threshold (0.42 for a 0.6 threshold), even past the cooldown.
	later := now.Add(5 * time.Second)
	if d := a.MapPredictions(tickResult("8_class", "Push", 0.8), nil, later); d != nil {
		t.Fatalf("held toggle re-fired as %q without release", d.Command)
	}

	// A tick with the toggle class's probability well below the release
	// level re-arms the latch.
	released := map[string]models.ClassifierResult{
		"8_class": {
			ClassifierID:   "8_class",
			PredictedClass: "Rest",
			Confidence:     0.9,
			Probabilities:  map[string]float64{"Rest": 0.9, "Push": 0.05},
		},
	}
	a.MapPredictions(released, nil, later.Add(time.Second))
	d := a.MapPredictions(tickResult("8_class", "Push", 0.8), nil, later.Add(2*time.Second))
	if d == nil || d.Command != CommandLand {
		t.Fatal("released toggle did not resolve to land")
	}
}

func TestSustainedDurationAttached(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	events := []SustainedEvent{{
		ClassName:         "Push",
		ClassifierID:      "8_class",
		HeldDuration:      1200 * time.Millisecond,
		AverageConfidence: 0.75,
		SampleCount:       4,
	}}

	decision := a.MapPredictions(tickResult("8_class", "Push", 0.8), events, time.Now())
	if decision == nil {
		t.Fatal("expected a decision")
	}
	if decision.SustainedDuration != 1200*time.Millisecond {
		t.Fatalf("sustained duration not attached: %v", decision.SustainedDuration)
	}
}

func TestForceLandIgnoresCooldown(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()

	if d := a.MapPredictions(tickResult("8_class", "Push", 0.8), nil, now); d == nil {
		t.Fatal("expected takeoff")
	}
	a.HandleCompletion(CommandTakeoff, true)

	// Still deep inside the takeoff cooldown.
	decision := a.ForceLand(now.Add(time.Second))
	if decision.Command != CommandLand || !decision.Forced {
		t.Fatalf("unexpected forced decision: %+v", decision)
	}
	if a.Phase() != PhaseLanding {
		t.Fatalf("phase after force land is %q, want landing", a.Phase())
	}
	a.HandleCompletion(CommandLand, true)
	if a.Phase() != PhaseGrounded {
		t.Fatalf("phase after landing completion is %q, want grounded", a.Phase())
	}
}

func TestCooldownMonotonic(t *testing.T) {
	t.Parallel()

	a := newTestArbiter()
	now := time.Now()
	a.ApplyCooldown(CommandTakeoff, now) // until now+3s
	a.ApplyCooldown("rotate_left", now.Add(time.Second))

	// The shorter later cooldown must not shrink the window.
	if a.IsAllowed("forward", now.Add(2*time.Second)) {
		t.Fatal("cooldown window shrank after a shorter overlapping cooldown")
	}
	a.phase = PhaseFlying
	if !a.IsAllowed("forward", now.Add(3*time.Second)) {
		t.Fatal("command denied past the longest cooldown")
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	cfg := DefaultArbiterConfig()
	cfg.HistorySize = 5
	cfg.Thresholds = map[string]float64{"Right_Fist": 0.4}
	cfg.Mappings = map[string]CommandMapping{
		"Right_Fist": {Command: "rotate_right", Enabled: true},
	}
	cfg.Cooldowns = map[string]time.Duration{}
	cfg.DefaultCooldown = time.Millisecond
	a := NewArbiter(cfg)
	a.phase = PhaseFlying

	now := time.Now()
	for i := 0; i < 20; i++ {
		a.MapPredictions(tickResult("4_class", "Right_Fist", 0.9), nil, now.Add(time.Duration(i)*time.Second))
	}
	if got := len(a.History()); got != 5 {
		t.Fatalf("history length %d, want 5", got)
	}
	state := a.StateInfo(now.Add(time.Hour))
	if state.CommandCount != 20 {
		t.Fatalf("command count %d, want 20", state.CommandCount)
	}
}
