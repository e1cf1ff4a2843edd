package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/errgroup"

	"bci-flight/control"
	"bci-flight/flightlog"
	"bci-flight/models"
	"bci-flight/signal"
	"bci-flight/sink"
	"bci-flight/utils"
)

// Hooks are optional telemetry callbacks. Nil fields are skipped. Callbacks
// run on the flow goroutines and must not block.
type Hooks struct {
	OnTick      func(batch models.ResultBatch)
	OnSustained func(event control.SustainedEvent)
	OnDecision  func(decision control.Decision)
	OnPhase     func(phase control.FlightPhase)
}

// Config wires a session together. Store is optional; ContinuousClassifier
// names the classifier whose probabilities feed the continuous path, empty
// meaning every classifier's tick does.
type Config struct {
	Source signal.Source
	Sink   sink.Sink
	Store  *flightlog.Store

	Consolidator *control.Consolidator
	Arbiter      *control.Arbiter
	Shaper       *control.Shaper
	Heading      *control.HeadingController

	ContinuousClassifier string
	UpdateRateHz         int
	MaxFlightTime        time.Duration // zero disables
	SignalTimeout        time.Duration // zero disables

	Hooks Hooks
}

// Session runs the bridge's three concurrent flows: ingestion, discrete
// decision and fixed-rate continuous dispatch, plus the safety supervisor.
// The consolidator is owned by the ingestion flow; the arbiter and shaper
// guard themselves.
type Session struct {
	cfg Config

	mu              sync.Mutex
	latest          map[string]models.ClassifierResult
	lastBatch       time.Time
	flightStart     time.Time
	lastHeadingSend time.Time
}

func New(cfg Config) *Session {
	if cfg.UpdateRateHz <= 0 {
		cfg.UpdateRateHz = 10
	}
	return &Session{
		cfg:    cfg,
		latest: make(map[string]models.ClassifierResult),
	}
}

// Run blocks until the context is cancelled or a flow fails. The source must
// already be started.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingestLoop(ctx) })
	g.Go(func() error { return s.dispatchLoop(ctx) })
	g.Go(func() error { return s.safetyLoop(ctx) })
	utils.GetLogger().Info("session running",
		slog.Int("updateRateHz", s.cfg.UpdateRateHz),
		slog.Duration("maxFlightTime", s.cfg.MaxFlightTime),
		slog.Duration("signalTimeout", s.cfg.SignalTimeout))
	return g.Wait()
}

// ingestLoop consumes classifier batches: it feeds the consolidator and the
// continuous path, and turns sustained events into arbitration cycles.
func (s *Session) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-s.cfg.Source.Results():
			if !ok {
				return nil
			}
			s.handleBatch(batch)
		}
	}
}

func (s *Session) handleBatch(batch models.ResultBatch) {
	now := batch.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	// Deterministic feed order for the consolidator's per-classifier buffers.
	ids := make([]string, 0, len(batch.Results))
	for id := range batch.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	results := make([]models.ClassifierResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, batch.Results[id])
	}

	// The consolidator has no lock of its own; the session mutex covers it.
	s.mu.Lock()
	for id, result := range batch.Results {
		s.latest[id] = result
	}
	latest := make(map[string]models.ClassifierResult, len(s.latest))
	for id, result := range s.latest {
		latest[id] = result
	}
	s.lastBatch = now
	events := s.cfg.Consolidator.AddResults(results, now)
	for _, id := range ids {
		s.cfg.Consolidator.Jittering(id)
	}
	s.mu.Unlock()

	for _, result := range batch.Results {
		if s.cfg.ContinuousClassifier != "" && result.ClassifierID != s.cfg.ContinuousClassifier {
			continue
		}
		s.cfg.Shaper.Update(result.Probabilities, result.Confidence, now)
		if s.cfg.Heading != nil {
			s.cfg.Heading.Update(result.Probabilities, now)
		}
	}

	if s.cfg.Hooks.OnTick != nil {
		s.cfg.Hooks.OnTick(batch)
	}

	if len(events) == 0 {
		return
	}
	for _, event := range events {
		utils.GetLogger().Info("sustained intent detected",
			slog.String("class", event.ClassName),
			slog.String("classifier", event.ClassifierID),
			slog.Duration("held", event.HeldDuration),
			slog.Float64("avgConfidence", event.AverageConfidence))
		if s.cfg.Store != nil {
			if err := s.cfg.Store.SaveSustainedEvent(event, now); err != nil {
				utils.GetLogger().Warn("flight log write failed", slog.Any("error", xerrors.New(err)))
			}
		}
		if s.cfg.Hooks.OnSustained != nil {
			s.cfg.Hooks.OnSustained(event)
		}
	}

	decision := s.cfg.Arbiter.MapPredictions(latest, events, now)
	if decision == nil {
		return
	}
	// One episode, one command: the consumed class re-arms only after the
	// signal drops and re-sustains.
	s.mu.Lock()
	s.cfg.Consolidator.ResetClass(decision.SourceClass)
	s.mu.Unlock()
	s.dispatch(*decision, now)
}

// dispatch delivers a discrete decision to the vehicle. A failed takeoff or
// land delivery is treated as a failed completion so the phase never sticks
// mid-transition.
func (s *Session) dispatch(decision control.Decision, now time.Time) {
	logger := utils.GetLogger()
	if err := s.cfg.Sink.SendDecision(decision); err != nil {
		logger.Error("decision dispatch failed",
			slog.String("command", decision.Command), slog.Any("error", xerrors.New(err)))
		if decision.Command == control.CommandTakeoff || decision.Command == control.CommandLand {
			s.NotifyCompletion(decision.Command, false)
		}
		return
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveDecision(decision, now); err != nil {
			logger.Warn("flight log write failed", slog.Any("error", xerrors.New(err)))
		}
	}
	if s.cfg.Hooks.OnDecision != nil {
		s.cfg.Hooks.OnDecision(decision)
	}
}

// dispatchLoop sends streaming velocity samples at the configured rate while
// the vehicle is flying, and interleaves discrete heading adjustments when
// that path is enabled.
func (s *Session) dispatchLoop(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.UpdateRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if s.cfg.Arbiter.Phase() != control.PhaseFlying {
				continue
			}
			cmd := s.cfg.Shaper.VelocityCommand()
			if err := s.cfg.Sink.SendVelocity(cmd); err != nil {
				utils.GetLogger().Warn("velocity dispatch failed", slog.Any("error", xerrors.New(err)))
			}
			s.maybeSendHeading(now)
		}
	}
}

func (s *Session) maybeSendHeading(now time.Time) {
	if s.cfg.Heading == nil {
		return
	}
	s.mu.Lock()
	last := s.lastHeadingSend
	s.mu.Unlock()
	if !s.cfg.Heading.ShouldSend(now, last) {
		return
	}
	cmd := s.cfg.Heading.RotationCommand()
	if cmd == nil {
		return
	}
	if !s.cfg.Arbiter.IsAllowed(cmd.Command, now) {
		return
	}
	if err := s.cfg.Sink.SendRotation(*cmd); err != nil {
		utils.GetLogger().Warn("heading dispatch failed", slog.Any("error", xerrors.New(err)))
		return
	}
	s.cfg.Arbiter.ApplyCooldown(cmd.Command, now)
	s.mu.Lock()
	s.lastHeadingSend = now
	s.mu.Unlock()
}

// safetyLoop force-lands on flight-time overrun or signal loss.
func (s *Session) safetyLoop(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			phase := s.cfg.Arbiter.Phase()
			if phase != control.PhaseFlying && phase != control.PhaseTakingOff {
				continue
			}

			s.mu.Lock()
			flightStart := s.flightStart
			lastBatch := s.lastBatch
			s.mu.Unlock()

			if s.cfg.MaxFlightTime > 0 && !flightStart.IsZero() &&
				now.Sub(flightStart) > s.cfg.MaxFlightTime {
				utils.GetLogger().Warn("flight time limit reached, forcing landing",
					slog.Duration("limit", s.cfg.MaxFlightTime))
				s.ForceLand(now)
				continue
			}
			if s.cfg.SignalTimeout > 0 && !lastBatch.IsZero() &&
				now.Sub(lastBatch) > s.cfg.SignalTimeout {
				utils.GetLogger().Warn("classifier signal lost, forcing landing",
					slog.Duration("timeout", s.cfg.SignalTimeout))
				s.ForceLand(now)
			}
		}
	}
}

// ForceLand dispatches a supervisor-initiated landing, bypassing cooldowns.
func (s *Session) ForceLand(now time.Time) {
	decision := s.cfg.Arbiter.ForceLand(now)
	if s.cfg.Hooks.OnPhase != nil {
		s.cfg.Hooks.OnPhase(s.cfg.Arbiter.Phase())
	}
	s.dispatch(decision, now)
}

// NotifyCompletion applies the vehicle's completion feedback: phase settles,
// the outcome is logged, and a successful takeoff arms the continuous path
// with a clean slate.
func (s *Session) NotifyCompletion(command string, success bool) {
	s.cfg.Arbiter.HandleCompletion(command, success)
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveCompletion(command, success, time.Now()); err != nil {
			utils.GetLogger().Warn("flight log write failed", slog.Any("error", xerrors.New(err)))
		}
	}

	if command == control.CommandTakeoff && success {
		s.cfg.Shaper.Reset()
		if s.cfg.Heading != nil {
			s.cfg.Heading.Reset()
		}
		s.mu.Lock()
		s.flightStart = time.Now()
		s.mu.Unlock()
	}
	if command == control.CommandLand && success {
		s.mu.Lock()
		s.flightStart = time.Time{}
		s.mu.Unlock()
	}
	if s.cfg.Hooks.OnPhase != nil {
		s.cfg.Hooks.OnPhase(s.cfg.Arbiter.Phase())
	}
}

// Snapshot is a point-in-time view of the whole decision core for the
// telemetry bridge.
type Snapshot struct {
	Arbiter        control.ArbiterState                  `json:"arbiter"`
	Shaper         control.ShaperState                   `json:"shaper"`
	Sustained      map[string]control.SustainProgress    `json:"sustained,omitempty"`
	Smoothed       map[string]control.SmoothedPrediction `json:"smoothed,omitempty"`
	Buffers        map[string]control.BufferStats        `json:"buffers,omitempty"`
	LastBatchAgeMs int64                                 `json:"lastBatchAgeMs"`
}

// Snapshot assembles the current state for dashboards.
func (s *Session) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	lastBatch := s.lastBatch
	sustained := s.cfg.Consolidator.SustainedInfo(now)
	smoothed := s.cfg.Consolidator.Smoothed()
	buffers := s.cfg.Consolidator.BufferStats()
	s.mu.Unlock()

	var age time.Duration
	if !lastBatch.IsZero() {
		age = now.Sub(lastBatch)
	}
	return Snapshot{
		Arbiter:        s.cfg.Arbiter.StateInfo(now),
		Shaper:         s.cfg.Shaper.State(),
		Sustained:      sustained,
		Smoothed:       smoothed,
		Buffers:        buffers,
		LastBatchAgeMs: age.Milliseconds(),
	}
}

// Latest returns a copy of the newest result per classifier.
func (s *Session) Latest() map[string]models.ClassifierResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ClassifierResult, len(s.latest))
	for id, result := range s.latest {
		out[id] = result
	}
	return out
}
