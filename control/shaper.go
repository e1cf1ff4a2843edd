package control

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"bci-flight/models"
	"bci-flight/utils"
)

// Strategy selects how probability vectors become velocity intents.
type Strategy string

const (
	// StrategyRatio derives intent from the latest sample's left/right ratio.
	StrategyRatio Strategy = "ratio"
	// StrategySpike derives intent from decaying probability-spike impulses.
	StrategySpike Strategy = "spike"
)

// ShaperClasses names the probability-map entries the shaper reads.
type ShaperClasses struct {
	Left    string
	Right   string
	Both    string
	Neutral string
}

// ShaperConfig tunes the continuous-control signal path.
type ShaperConfig struct {
	Enabled         bool
	Strategy        Strategy
	UpdateRateHz    int
	SmoothingFactor float64
	DeadZone        float64
	ScaleExponent   float64

	// Adaptive dead zone widens with neutral-class variance (noisy signal)
	// and narrows when the signal is clean. Applies to the rotation axis.
	AdaptiveDeadZone bool
	DeadZoneMin      float64
	DeadZoneMax      float64

	MaxRotationSpeed int
	MaxForwardSpeed  int
	Classes          ShaperClasses
}

// DefaultShaperConfig mirrors the continuous-control defaults of the bridge.
func DefaultShaperConfig() ShaperConfig {
	return ShaperConfig{
		Enabled:          true,
		Strategy:         StrategyRatio,
		UpdateRateHz:     10,
		SmoothingFactor:  0.7,
		DeadZone:         0.25,
		ScaleExponent:    1.5,
		AdaptiveDeadZone: true,
		DeadZoneMin:      0.15,
		DeadZoneMax:      0.35,
		MaxRotationSpeed: 90,
		MaxForwardSpeed:  50,
		Classes: ShaperClasses{
			Left:    "Left_Fist",
			Right:   "Right_Fist",
			Both:    "Both_Fists",
			Neutral: "Rest",
		},
	}
}

// shaperSample is one inbound probability observation.
type shaperSample struct {
	left       float64
	right      float64
	both       float64
	neutral    float64
	confidence float64
	timestamp  time.Time
}

// signalStats tracks short-horizon signal quality for the adaptive dead zone.
type signalStats struct {
	leftMean   float64
	rightMean  float64
	noiseLevel float64
}

// ShaperState is a snapshot of the continuous controller for dashboards.
type ShaperState struct {
	Enabled          bool    `json:"enabled"`
	Strategy         string  `json:"strategy"`
	RotationVelocity float64 `json:"rotationVelocity"`
	ForwardVelocity  float64 `json:"forwardVelocity"`
	DeadZone         float64 `json:"deadZone"`
	NoiseLevel       float64 `json:"noiseLevel"`
	HasData          bool    `json:"hasData"`
}

// Shaper converts per-tick probability vectors into two smoothed velocity
// intents. Update is called by the ingestion flow; VelocityCommand may be
// read by the continuous-dispatch flow, so state is mutex-guarded.
type Shaper struct {
	mu sync.Mutex

	cfg     ShaperConfig
	spikes  *spikeDetector
	history []shaperSample // bounded, newest last
	stats   signalStats

	smoothedRotation float64
	smoothedForward  float64
}

const shaperHistorySize = 5

// NewShaper builds a shaper. spikeCfg is only consulted when the strategy is
// StrategySpike.
func NewShaper(cfg ShaperConfig, spikeCfg SpikeConfig) *Shaper {
	if cfg.SmoothingFactor <= 0 || cfg.SmoothingFactor >= 1 {
		cfg.SmoothingFactor = 0.7
	}
	if cfg.ScaleExponent < 1 {
		cfg.ScaleExponent = 1.5
	}
	if cfg.UpdateRateHz <= 0 {
		cfg.UpdateRateHz = 10
	}
	s := &Shaper{cfg: cfg}
	if cfg.Strategy == StrategySpike {
		s.spikes = newSpikeDetector(spikeCfg, []string{cfg.Classes.Left, cfg.Classes.Right, cfg.Classes.Both})
	}
	utils.GetLogger().Info("continuous shaper initialized",
		slog.String("strategy", string(cfg.Strategy)),
		slog.Float64("deadZone", cfg.DeadZone),
		slog.Float64("smoothing", cfg.SmoothingFactor))
	return s
}

// Update ingests one probability vector. Missing classes read as zero.
func (s *Shaper) Update(probabilities map[string]float64, confidence float64, now time.Time) {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sample := shaperSample{
		left:       probabilities[s.cfg.Classes.Left],
		right:      probabilities[s.cfg.Classes.Right],
		both:       probabilities[s.cfg.Classes.Both],
		neutral:    probabilities[s.cfg.Classes.Neutral],
		confidence: confidence,
		timestamp:  now,
	}
	s.history = append(s.history, sample)
	if len(s.history) > shaperHistorySize {
		s.history = s.history[len(s.history)-shaperHistorySize:]
	}
	s.updateSignalStats()

	if s.spikes != nil {
		s.spikes.observe(probabilities, now)
	}
	s.updateVelocities(now)
}

func (s *Shaper) updateSignalStats() {
	if len(s.history) < 3 {
		return
	}
	recent := s.history[len(s.history)-3:]
	var leftSum, rightSum float64
	neutral := make([]float64, 0, len(recent))
	for _, sample := range recent {
		leftSum += sample.left
		rightSum += sample.right
		neutral = append(neutral, sample.neutral)
	}
	s.stats.leftMean = leftSum / float64(len(recent))
	s.stats.rightMean = rightSum / float64(len(recent))
	s.stats.noiseLevel = stddev(neutral)
}

// adaptiveDeadZone maps neutral-class noise onto [DeadZoneMin, DeadZoneMax].
func (s *Shaper) adaptiveDeadZone() float64 {
	if !s.cfg.AdaptiveDeadZone {
		return s.cfg.DeadZone
	}
	noiseFactor := min(s.stats.noiseLevel*2, 1.0)
	return s.cfg.DeadZoneMin + (s.cfg.DeadZoneMax-s.cfg.DeadZoneMin)*noiseFactor
}

// applyDeadZoneAndScaling suppresses sub-threshold magnitudes, rescales the
// remainder to fill the unit range and raises it to the response exponent,
// preserving sign.
func (s *Shaper) applyDeadZoneAndScaling(value float64, rotation bool) float64 {
	deadZone := s.cfg.DeadZone
	if rotation {
		deadZone = s.adaptiveDeadZone()
	}
	if math.Abs(value) < deadZone {
		return 0.0
	}
	sign := 1.0
	if value < 0 {
		sign = -1.0
	}
	scaled := (math.Abs(value) - deadZone) / (1.0 - deadZone)
	return sign * math.Pow(scaled, s.cfg.ScaleExponent)
}

func (s *Shaper) updateVelocities(now time.Time) {
	var rotationIntent, forwardIntent float64

	switch s.cfg.Strategy {
	case StrategySpike:
		rotationIntent, forwardIntent = s.spikes.intents(now, s.cfg.Classes)
	default:
		rotationIntent, forwardIntent = s.ratioIntents()
	}

	rotationScaled := s.applyDeadZoneAndScaling(rotationIntent, true)
	forwardScaled := s.applyDeadZoneAndScaling(forwardIntent, false)

	// Variable smoothing: respond faster when rotation intent jumps.
	rotationSmoothing := s.cfg.SmoothingFactor
	if len(s.history) > 1 && math.Abs(rotationIntent-s.smoothedRotation) > 0.3 {
		rotationSmoothing = math.Max(0.3, s.cfg.SmoothingFactor-0.2)
	}

	s.smoothedRotation = rotationSmoothing*s.smoothedRotation + (1-rotationSmoothing)*rotationScaled
	s.smoothedForward = s.cfg.SmoothingFactor*s.smoothedForward + (1-s.cfg.SmoothingFactor)*forwardScaled
}

// ratioIntents implements the ratio/dead-zone strategy on the latest sample.
func (s *Shaper) ratioIntents() (rotation, forward float64) {
	if len(s.history) == 0 {
		return 0, 0
	}
	latest := s.history[len(s.history)-1]

	totalActivation := latest.left + latest.right + 0.01
	if totalActivation > 0.1 {
		rotation = (latest.right - latest.left) / totalActivation
	}

	// Confidence weighting: low-confidence ticks get reduced authority.
	confidenceWeight := min(latest.confidence/0.5, 1.0)
	rotation *= confidenceWeight

	// Strong both-class activation damps rotation (up to 30%) to stabilise
	// forward motion.
	bothInfluence := min(latest.both*2, 1.0)
	rotation *= 1.0 - bothInfluence*0.3

	forward = latest.both

	// Both hands strongly active together reads as "push forward" even when
	// the both-class probability itself is modest.
	if minLR := min(latest.left, latest.right); minLR > 0.4 {
		forward = math.Max(forward, minLR*0.5)
	}
	return rotation, forward
}

// VelocityCommand maps the smoothed unit-interval state onto the vehicle's
// integer range using the configured maxima. With no data yet, or disabled,
// it returns the neutral hover command.
func (s *Shaper) VelocityCommand() models.VelocityCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || len(s.history) == 0 {
		return models.VelocityCommand{}
	}
	forward := clampInt(int(s.smoothedForward*float64(s.cfg.MaxForwardSpeed)), -100, 100)
	rotation := clampInt(int(s.smoothedRotation*float64(s.cfg.MaxRotationSpeed)), -100, 100)
	return models.VelocityCommand{Forward: forward, Rotation: rotation}
}

// Reset zeroes all smoothed state, buffers and spikes. Invoked whenever flight
// restarts so no residual intent carries over.
func (s *Shaper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.smoothedRotation = 0
	s.smoothedForward = 0
	s.history = nil
	s.stats = signalStats{}
	if s.spikes != nil {
		s.spikes.reset()
	}
	utils.GetLogger().Info("continuous shaper reset")
}

// State snapshots the shaper for dashboards.
func (s *Shaper) State() ShaperState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShaperState{
		Enabled:          s.cfg.Enabled,
		Strategy:         string(s.cfg.Strategy),
		RotationVelocity: s.smoothedRotation,
		ForwardVelocity:  s.smoothedForward,
		DeadZone:         s.adaptiveDeadZone(),
		NoiseLevel:       s.stats.noiseLevel,
		HasData:          len(s.history) > 0,
	}
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(values)))
}
