package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bci-flight/control"
)

// Profile is the tunables surface of the bridge, loaded from a YAML file.
// Every omitted field falls back to a shipped default; only values that are
// present and nonsensical fail validation.
type Profile struct {
	Classes     ClassesConfig     `yaml:"classes"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Continuous  ContinuousConfig  `yaml:"continuous"`
	Spike       SpikeTuning       `yaml:"spike"`
	Heading     HeadingTuning     `yaml:"heading"`
	Safety      SafetyConfig      `yaml:"safety"`
}

// ClassesConfig binds classifier classes to thresholds, sustain requirements
// and vehicle commands.
type ClassesConfig struct {
	Thresholds map[string]float64       `yaml:"thresholds"`
	SustainMs  map[string]int           `yaml:"sustain_ms"`
	Mappings   map[string]MappingConfig `yaml:"mappings"`
}

// MappingConfig is one class→command binding. Enabled defaults to true when
// omitted.
type MappingConfig struct {
	Command     string `yaml:"command"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Description string `yaml:"description,omitempty"`
	Degrees     int    `yaml:"degrees,omitempty"`
}

// BufferConfig tunes the sustained-intent detector.
type BufferConfig struct {
	HistorySize      int     `yaml:"history_size,omitempty"`
	SmoothingWindow  int     `yaml:"smoothing_window,omitempty"`
	MinConsistent    int     `yaml:"min_consistent,omitempty"`
	GapResetMs       int     `yaml:"gap_reset_ms,omitempty"`
	NeutralClass     string  `yaml:"neutral_class,omitempty"`
	DefaultThreshold float64 `yaml:"default_threshold,omitempty"`
	DefaultSustainMs int     `yaml:"default_sustain_ms,omitempty"`
}

// ArbitrationConfig tunes the command arbiter's decision tables.
type ArbitrationConfig struct {
	Priorities         map[string]int      `yaml:"priorities,omitempty"`
	Restrictions       map[string][]string `yaml:"restrictions,omitempty"`
	CooldownsMs        map[string]int      `yaml:"cooldowns_ms,omitempty"`
	DefaultCooldownMs  int                 `yaml:"default_cooldown_ms,omitempty"`
	ToggleReleaseRatio float64             `yaml:"toggle_release_ratio,omitempty"`
	HistorySize        int                 `yaml:"history_size,omitempty"`
}

// ContinuousConfig tunes the velocity shaper.
type ContinuousConfig struct {
	Enabled          *bool               `yaml:"enabled,omitempty"`
	Strategy         string              `yaml:"strategy,omitempty"`
	UpdateRateHz     int                 `yaml:"update_rate_hz,omitempty"`
	Smoothing        float64             `yaml:"smoothing,omitempty"`
	DeadZone         float64             `yaml:"dead_zone,omitempty"`
	ScaleExponent    float64             `yaml:"scale_exponent,omitempty"`
	AdaptiveDeadZone *bool               `yaml:"adaptive_dead_zone,omitempty"`
	DeadZoneMin      float64             `yaml:"dead_zone_min,omitempty"`
	DeadZoneMax      float64             `yaml:"dead_zone_max,omitempty"`
	MaxRotationSpeed int                 `yaml:"max_rotation_speed,omitempty"`
	MaxForwardSpeed  int                 `yaml:"max_forward_speed,omitempty"`
	Classes          ControlClassesNames `yaml:"classes,omitempty"`
	SourceClassifier string              `yaml:"source_classifier,omitempty"`
}

// ControlClassesNames names the probability-map entries the continuous path
// reads.
type ControlClassesNames struct {
	Left    string `yaml:"left,omitempty"`
	Right   string `yaml:"right,omitempty"`
	Both    string `yaml:"both,omitempty"`
	Neutral string `yaml:"neutral,omitempty"`
}

// SpikeTuning tunes the spike/impulse strategy.
type SpikeTuning struct {
	BufferSize   int     `yaml:"buffer_size,omitempty"`
	ThresholdStd float64 `yaml:"threshold_std,omitempty"`
	MinMagnitude float64 `yaml:"min_magnitude,omitempty"`
	DecayRate    float64 `yaml:"decay_rate,omitempty"`
	CooldownMs   int     `yaml:"cooldown_ms,omitempty"`
	MaxAgeMs     int     `yaml:"max_age_ms,omitempty"`
	Floor        float64 `yaml:"floor,omitempty"`
}

// HeadingTuning tunes the discrete heading-rotation path.
type HeadingTuning struct {
	Enabled       bool    `yaml:"enabled,omitempty"`
	IntervalMs    int     `yaml:"interval_ms,omitempty"`
	DeadZone      float64 `yaml:"dead_zone,omitempty"`
	Smoothing     float64 `yaml:"smoothing,omitempty"`
	FastDegrees   int     `yaml:"fast_degrees,omitempty"`
	SlowDegrees   int     `yaml:"slow_degrees,omitempty"`
	FastThreshold float64 `yaml:"fast_threshold,omitempty"`
}

// SafetyConfig tunes the supervisor loop. Zero values disable a check.
type SafetyConfig struct {
	MaxFlightTimeS  int `yaml:"max_flight_time_s,omitempty"`
	SignalTimeoutMs int `yaml:"signal_timeout_ms,omitempty"`
}

// LoadProfile reads the YAML profile. A missing file yields the default
// profile; a file that exists but does not parse or validate is an error.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProfile(), nil
		}
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

// DefaultProfile is the profile shipped with the bridge: an eight-class motor
// imagery vocabulary with the toggle class on Push and continuous rotation on
// the fist classes.
func DefaultProfile() *Profile {
	enabled := true
	return &Profile{
		Classes: ClassesConfig{
			Thresholds: map[string]float64{
				"Push":       0.7,
				"Pull":       0.7,
				"Lift":       0.7,
				"Drop":       0.7,
				"Left_Fist":  0.6,
				"Right_Fist": 0.6,
				"Both_Fists": 0.6,
			},
			SustainMs: map[string]int{
				"Push": 2000,
				"Pull": 2000,
				"Lift": 1500,
				"Drop": 1500,
			},
			Mappings: map[string]MappingConfig{
				"Push": {Command: control.CommandToggle, Enabled: &enabled,
					Description: "takeoff when grounded, land when flying"},
				"Lift": {Command: "up", Enabled: &enabled},
				"Drop": {Command: "down", Enabled: &enabled},
				"Pull": {Command: "back", Enabled: &enabled},
			},
		},
	}
}

// Validate rejects values that cannot be clamped into sense.
func (p *Profile) Validate() error {
	for class, v := range p.Classes.Thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold for %q out of [0,1]: %v", class, v)
		}
	}
	for class, ms := range p.Classes.SustainMs {
		if ms < 0 {
			return fmt.Errorf("sustain duration for %q negative: %dms", class, ms)
		}
	}
	for class, m := range p.Classes.Mappings {
		if m.Command == "" {
			return fmt.Errorf("mapping for %q has no command", class)
		}
	}
	if s := p.Continuous.Strategy; s != "" &&
		s != string(control.StrategyRatio) && s != string(control.StrategySpike) {
		return fmt.Errorf("unknown continuous strategy %q", s)
	}
	if r := p.Arbitration.ToggleReleaseRatio; r < 0 || r > 1 {
		return fmt.Errorf("toggle release ratio out of [0,1]: %v", r)
	}
	if d := p.Spike.DecayRate; d < 0 || d >= 1 {
		return fmt.Errorf("spike decay rate out of [0,1): %v", d)
	}
	return nil
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// ConsolidatorConfig materialises the buffer section over the control-layer
// defaults.
func (p *Profile) ConsolidatorConfig() control.ConsolidatorConfig {
	cfg := control.DefaultConsolidatorConfig()
	if p.Buffer.HistorySize > 0 {
		cfg.HistorySize = p.Buffer.HistorySize
	}
	if p.Buffer.SmoothingWindow > 0 {
		cfg.SmoothingWindow = p.Buffer.SmoothingWindow
	}
	if p.Buffer.MinConsistent > 0 {
		cfg.MinConsistent = p.Buffer.MinConsistent
	}
	cfg.GapReset = millis(p.Buffer.GapResetMs, cfg.GapReset)
	if p.Buffer.NeutralClass != "" {
		cfg.NeutralClass = p.Buffer.NeutralClass
	}
	if p.Buffer.DefaultThreshold > 0 {
		cfg.DefaultThreshold = p.Buffer.DefaultThreshold
	}
	cfg.DefaultDuration = millis(p.Buffer.DefaultSustainMs, cfg.DefaultDuration)

	cfg.Thresholds = make(map[string]float64, len(p.Classes.Thresholds))
	for class, v := range p.Classes.Thresholds {
		cfg.Thresholds[class] = v
	}
	cfg.Durations = make(map[string]time.Duration, len(p.Classes.SustainMs))
	for class, ms := range p.Classes.SustainMs {
		cfg.Durations[class] = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

// ArbiterConfig materialises the arbitration section over the control-layer
// defaults. Mapping entries with no explicit enabled flag come up enabled.
func (p *Profile) ArbiterConfig() control.ArbiterConfig {
	cfg := control.DefaultArbiterConfig()

	cfg.Mappings = make(map[string]control.CommandMapping, len(p.Classes.Mappings))
	for class, m := range p.Classes.Mappings {
		enabled := true
		if m.Enabled != nil {
			enabled = *m.Enabled
		}
		cfg.Mappings[class] = control.CommandMapping{
			Command:     m.Command,
			Enabled:     enabled,
			Description: m.Description,
			Degrees:     m.Degrees,
		}
	}
	cfg.Thresholds = make(map[string]float64, len(p.Classes.Thresholds))
	for class, v := range p.Classes.Thresholds {
		cfg.Thresholds[class] = v
	}
	if p.Buffer.DefaultThreshold > 0 {
		cfg.DefaultThreshold = p.Buffer.DefaultThreshold
	}
	if p.Buffer.NeutralClass != "" {
		cfg.NeutralClass = p.Buffer.NeutralClass
	}

	for command, v := range p.Arbitration.Priorities {
		cfg.Priorities[command] = v
	}
	if len(p.Arbitration.Restrictions) > 0 {
		cfg.Restrictions = make(map[control.FlightPhase][]string, len(p.Arbitration.Restrictions))
		for phase, commands := range p.Arbitration.Restrictions {
			cfg.Restrictions[control.FlightPhase(phase)] = commands
		}
	}
	for command, ms := range p.Arbitration.CooldownsMs {
		cfg.Cooldowns[command] = time.Duration(ms) * time.Millisecond
	}
	cfg.DefaultCooldown = millis(p.Arbitration.DefaultCooldownMs, cfg.DefaultCooldown)
	if p.Arbitration.ToggleReleaseRatio > 0 {
		cfg.ToggleReleaseRatio = p.Arbitration.ToggleReleaseRatio
	}
	if p.Arbitration.HistorySize > 0 {
		cfg.HistorySize = p.Arbitration.HistorySize
	}
	return cfg
}

// ShaperConfig materialises the continuous section over the control-layer
// defaults.
func (p *Profile) ShaperConfig() control.ShaperConfig {
	cfg := control.DefaultShaperConfig()
	if p.Continuous.Enabled != nil {
		cfg.Enabled = *p.Continuous.Enabled
	}
	if p.Continuous.Strategy != "" {
		cfg.Strategy = control.Strategy(p.Continuous.Strategy)
	}
	if p.Continuous.UpdateRateHz > 0 {
		cfg.UpdateRateHz = p.Continuous.UpdateRateHz
	}
	if p.Continuous.Smoothing > 0 {
		cfg.SmoothingFactor = p.Continuous.Smoothing
	}
	if p.Continuous.DeadZone > 0 {
		cfg.DeadZone = p.Continuous.DeadZone
	}
	if p.Continuous.ScaleExponent > 0 {
		cfg.ScaleExponent = p.Continuous.ScaleExponent
	}
	if p.Continuous.AdaptiveDeadZone != nil {
		cfg.AdaptiveDeadZone = *p.Continuous.AdaptiveDeadZone
	}
	if p.Continuous.DeadZoneMin > 0 {
		cfg.DeadZoneMin = p.Continuous.DeadZoneMin
	}
	if p.Continuous.DeadZoneMax > 0 {
		cfg.DeadZoneMax = p.Continuous.DeadZoneMax
	}
	if p.Continuous.MaxRotationSpeed > 0 {
		cfg.MaxRotationSpeed = p.Continuous.MaxRotationSpeed
	}
	if p.Continuous.MaxForwardSpeed > 0 {
		cfg.MaxForwardSpeed = p.Continuous.MaxForwardSpeed
	}
	if c := p.Continuous.Classes; c.Left != "" {
		cfg.Classes.Left = c.Left
	}
	if c := p.Continuous.Classes; c.Right != "" {
		cfg.Classes.Right = c.Right
	}
	if c := p.Continuous.Classes; c.Both != "" {
		cfg.Classes.Both = c.Both
	}
	if c := p.Continuous.Classes; c.Neutral != "" {
		cfg.Classes.Neutral = c.Neutral
	}
	return cfg
}

// SpikeConfig materialises the spike section over the control-layer defaults.
func (p *Profile) SpikeConfig() control.SpikeConfig {
	cfg := control.DefaultSpikeConfig()
	if p.Spike.BufferSize > 0 {
		cfg.BufferSize = p.Spike.BufferSize
	}
	if p.Spike.ThresholdStd > 0 {
		cfg.ThresholdStd = p.Spike.ThresholdStd
	}
	if p.Spike.MinMagnitude > 0 {
		cfg.MinMagnitude = p.Spike.MinMagnitude
	}
	if p.Spike.DecayRate > 0 {
		cfg.DecayRate = p.Spike.DecayRate
	}
	cfg.Cooldown = millis(p.Spike.CooldownMs, cfg.Cooldown)
	cfg.MaxAge = millis(p.Spike.MaxAgeMs, cfg.MaxAge)
	if p.Spike.Floor > 0 {
		cfg.Floor = p.Spike.Floor
	}
	return cfg
}

// HeadingConfig materialises the heading section over the control-layer
// defaults. The path stays disabled unless the profile turns it on.
func (p *Profile) HeadingConfig() control.HeadingConfig {
	cfg := control.DefaultHeadingConfig()
	cfg.Enabled = p.Heading.Enabled
	cfg.CommandInterval = millis(p.Heading.IntervalMs, cfg.CommandInterval)
	if p.Heading.DeadZone > 0 {
		cfg.DeadZone = p.Heading.DeadZone
	}
	if p.Heading.Smoothing > 0 {
		cfg.SmoothingFactor = p.Heading.Smoothing
	}
	if p.Heading.FastDegrees > 0 {
		cfg.FastDegrees = p.Heading.FastDegrees
	}
	if p.Heading.SlowDegrees > 0 {
		cfg.SlowDegrees = p.Heading.SlowDegrees
	}
	if p.Heading.FastThreshold > 0 {
		cfg.FastThreshold = p.Heading.FastThreshold
	}
	cfg.Classes = p.ShaperConfig().Classes
	return cfg
}

// MaxFlightTime returns the safety flight-time ceiling, zero when disabled.
func (p *Profile) MaxFlightTime() time.Duration {
	if p.Safety.MaxFlightTimeS <= 0 {
		return 0
	}
	return time.Duration(p.Safety.MaxFlightTimeS) * time.Second
}

// SignalTimeout returns the ingestion staleness ceiling, zero when disabled.
func (p *Profile) SignalTimeout() time.Duration {
	if p.Safety.SignalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(p.Safety.SignalTimeoutMs) * time.Millisecond
}
