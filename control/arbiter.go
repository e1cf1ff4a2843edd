package control

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"bci-flight/models"
	"bci-flight/utils"
)

// ArbiterConfig is the immutable decision table set: class mappings, per-class
// thresholds, command priorities, per-phase restrictions and cooldowns. Every
// lookup falls back to a documented default.
type ArbiterConfig struct {
	Mappings         map[string]CommandMapping
	Thresholds       map[string]float64
	DefaultThreshold float64
	Priorities       map[string]int
	DefaultPriority  int
	Restrictions     map[FlightPhase][]string
	Cooldowns        map[string]time.Duration
	DefaultCooldown  time.Duration
	NeutralClass     string
	HistorySize      int

	// ToggleReleaseRatio gates repeat toggles: after a toggle fires, the
	// source class's probability must fall below ratio*threshold before the
	// next one may fire. Zero disables the latch.
	ToggleReleaseRatio float64
}

// DefaultArbiterConfig carries the priority/restriction/cooldown tables the
// bridge ships with. Mappings stay empty; they come from the profile.
func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		DefaultThreshold: 0.7,
		DefaultPriority:  50,
		Priorities: map[string]int{
			CommandEmergency: 100,
			CommandLand:      90,
			CommandToggle:    80,
			CommandTakeoff:   80,
			"forward":        50,
			"back":           50,
			"up":             50,
			"down":           50,
			"left":           50,
			"right":          50,
			"rotate_left":    40,
			"rotate_right":   40,
			"status":         10,
		},
		Restrictions: map[FlightPhase][]string{
			PhaseGrounded: {
				"forward", "back", "left", "right", "up", "down",
				"rotate_left", "rotate_right", "cw", "ccw",
			},
			PhaseFlying: {},
			PhaseTakingOff: {
				"forward", "back", "left", "right", "up", "down",
				"rotate_left", "rotate_right", "cw", "ccw", CommandLand,
			},
			PhaseLanding: {
				"forward", "back", "left", "right", "up", "down",
				"rotate_left", "rotate_right", "cw", "ccw", CommandTakeoff,
			},
		},
		Cooldowns: map[string]time.Duration{
			CommandTakeoff:   3 * time.Second,
			CommandLand:      2 * time.Second,
			CommandEmergency: 1 * time.Second,
		},
		DefaultCooldown:    500 * time.Millisecond,
		NeutralClass:       "Rest",
		HistorySize:        100,
		ToggleReleaseRatio: 0.7,
	}
}

// CommandRecord is one entry of the bounded command history.
type CommandRecord struct {
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
}

// ArbiterState is a point-in-time snapshot for observability.
type ArbiterState struct {
	Phase             FlightPhase   `json:"phase"`
	LastCommand       string        `json:"lastCommand,omitempty"`
	CooldownActive    bool          `json:"cooldownActive"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
	ActiveMappings    int           `json:"activeMappings"`
	CommandCount      int           `json:"commandCount"`
}

// ActiveMapping describes one enabled class→command binding.
type ActiveMapping struct {
	Class       string  `json:"class"`
	Command     string  `json:"command"`
	Description string  `json:"description,omitempty"`
	Threshold   float64 `json:"threshold"`
}

// Arbiter is the flight-phase state machine. All three runtime flows touch its
// phase and cooldown state, so every entry point holds the mutex for the whole
// decision or transition.
type Arbiter struct {
	mu sync.Mutex

	cfg             ArbiterConfig
	phase           FlightPhase
	cooldownUntil   time.Time
	lastCommand     string
	lastCommandTime time.Time
	history         []CommandRecord
	commandCount    int

	// toggleReleased latches false after a toggle fires and true once the
	// source class's probability drops below the release level.
	toggleReleased bool
}

func NewArbiter(cfg ArbiterConfig) *Arbiter {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.7
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 50
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 500 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.NeutralClass == "" {
		cfg.NeutralClass = "Rest"
	}
	return &Arbiter{
		cfg:            cfg,
		phase:          PhaseGrounded,
		toggleReleased: true,
	}
}

// Phase returns the current flight phase.
func (a *Arbiter) Phase() FlightPhase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *Arbiter) setPhase(next FlightPhase) {
	if a.phase == next {
		return
	}
	utils.GetLogger().Info("flight phase changed",
		slog.String("from", string(a.phase)), slog.String("to", string(next)))
	a.phase = next
}

func (a *Arbiter) threshold(class string) float64 {
	if v, ok := a.cfg.Thresholds[class]; ok {
		return v
	}
	return a.cfg.DefaultThreshold
}

func (a *Arbiter) priority(command string) int {
	if v, ok := a.cfg.Priorities[command]; ok {
		return v
	}
	return a.cfg.DefaultPriority
}

func (a *Arbiter) cooldown(command string) time.Duration {
	if v, ok := a.cfg.Cooldowns[command]; ok {
		return v
	}
	return a.cfg.DefaultCooldown
}

// IsAllowed reports whether a command may be dispatched now. The streaming
// command bypasses cooldowns and restrictions entirely: it is allowed exactly
// while flying.
func (a *Arbiter) IsAllowed(command string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isAllowedLocked(command, now)
}

func (a *Arbiter) isAllowedLocked(command string, now time.Time) bool {
	if command == CommandStreaming {
		return a.phase == PhaseFlying
	}
	if now.Before(a.cooldownUntil) {
		return false
	}
	for _, restricted := range a.cfg.Restrictions[a.phase] {
		if restricted == command {
			return false
		}
	}
	return true
}

// ApplyCooldown starts the command's cooldown window at now.
func (a *Arbiter) ApplyCooldown(command string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyCooldownLocked(command, now)
}

func (a *Arbiter) applyCooldownLocked(command string, now time.Time) {
	until := now.Add(a.cooldown(command))
	if until.After(a.cooldownUntil) {
		a.cooldownUntil = until
	}
}

// MapPredictions runs one arbitration cycle over the current per-classifier
// results. Sustained events supply provenance for the surviving candidates.
// At most one Decision is returned; nil means no actuation this cycle, which
// is the designed safe default.
func (a *Arbiter) MapPredictions(latest map[string]models.ClassifierResult, sustained []SustainedEvent, now time.Time) *Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.updateToggleRelease(latest)

	// Fixed iteration order keeps the final tie-break deterministic.
	classifierIDs := make([]string, 0, len(latest))
	for id := range latest {
		classifierIDs = append(classifierIDs, id)
	}
	sort.Strings(classifierIDs)

	logger := utils.GetLogger()
	var candidates []commandCandidate

	for _, classifierID := range classifierIDs {
		result := latest[classifierID]
		if !result.Valid() {
			continue
		}
		class := result.PredictedClass
		if class == a.cfg.NeutralClass {
			continue
		}
		if result.Confidence < a.threshold(class) {
			continue
		}

		mapping, ok := a.cfg.Mappings[class]
		if !ok {
			logger.Warn("no command mapping for class", slog.String("class", class))
			continue
		}
		if !mapping.Enabled {
			continue
		}

		command := mapping.Command
		if command == CommandToggle {
			switch a.phase {
			case PhaseGrounded:
				command = CommandTakeoff
			case PhaseFlying:
				command = CommandLand
			default:
				// Toggling mid-transition is ambiguous; drop the candidate.
				continue
			}
			if a.cfg.ToggleReleaseRatio > 0 && !a.toggleReleased {
				continue
			}
		}

		if !a.isAllowedLocked(command, now) {
			continue
		}

		candidates = append(candidates, commandCandidate{
			command:          command,
			sourceClassifier: classifierID,
			sourceClass:      class,
			confidence:       result.Confidence,
			priority:         a.priority(command),
			description:      mapping.Description,
			degrees:          mapping.Degrees,
		})
	}

	if len(candidates) == 0 {
		return nil
	}

	// Priority descending, then confidence descending. The sort is stable and
	// candidates were built in sorted classifier order, so remaining ties go
	// to the first classifier.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].confidence > candidates[j].confidence
	})
	selected := candidates[0]

	decision := Decision{
		Command:          selected.command,
		SourceClassifier: selected.sourceClassifier,
		SourceClass:      selected.sourceClass,
		Confidence:       selected.confidence,
		Priority:         selected.priority,
		Description:      selected.description,
		Degrees:          selected.degrees,
	}
	for _, event := range sustained {
		if event.ClassName == selected.sourceClass {
			decision.SustainedDuration = event.HeldDuration
			break
		}
	}

	logger.Info("command selected",
		slog.String("command", decision.Command),
		slog.String("classifier", decision.SourceClassifier),
		slog.String("class", decision.SourceClass),
		slog.Float64("confidence", decision.Confidence),
		slog.Int("priority", decision.Priority))

	a.commit(decision, now)
	return &decision
}

// commit applies a selected decision's side effects: cooldown, phase entry
// for takeoff/land, release latch and the bounded history.
func (a *Arbiter) commit(decision Decision, now time.Time) {
	a.lastCommand = decision.Command
	a.lastCommandTime = now
	a.commandCount++
	a.applyCooldownLocked(decision.Command, now)

	switch decision.Command {
	case CommandTakeoff:
		a.setPhase(PhaseTakingOff)
		a.toggleReleased = false
	case CommandLand:
		a.setPhase(PhaseLanding)
		a.toggleReleased = false
	}

	a.history = append(a.history, CommandRecord{Decision: decision, Timestamp: now})
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}
}

// updateToggleRelease re-arms the toggle latch once every toggle-mapped
// class's probability has dropped below ratio*threshold.
func (a *Arbiter) updateToggleRelease(latest map[string]models.ClassifierResult) {
	if a.cfg.ToggleReleaseRatio <= 0 || a.toggleReleased {
		return
	}
	for class, mapping := range a.cfg.Mappings {
		if mapping.Command != CommandToggle || !mapping.Enabled {
			continue
		}
		release := a.threshold(class) * a.cfg.ToggleReleaseRatio
		for _, result := range latest {
			if prob, ok := result.Probabilities[class]; ok && prob < release {
				a.toggleReleased = true
				return
			}
		}
	}
}

// HandleCompletion applies the vehicle's completion feedback. Only takeoff and
// land affect phase; a failure reverts to the phase the transition came from.
func (a *Arbiter) HandleCompletion(command string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case command == CommandTakeoff && success:
		a.setPhase(PhaseFlying)
	case command == CommandLand && success:
		a.setPhase(PhaseGrounded)
	case command == CommandTakeoff || command == CommandLand:
		if a.phase == PhaseTakingOff {
			a.setPhase(PhaseGrounded)
		} else if a.phase == PhaseLanding {
			a.setPhase(PhaseFlying)
		}
	}
}

// ForceLand builds a synthetic highest-priority land decision, accepted at any
// time regardless of cooldown. The caller dispatches it like any other
// decision; completion feedback settles the final phase.
func (a *Arbiter) ForceLand(now time.Time) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	decision := Decision{
		Command:     CommandLand,
		SourceClass: "supervisor",
		Priority:    a.priority(CommandEmergency),
		Description: "externally requested landing",
		Forced:      true,
	}
	a.lastCommand = decision.Command
	a.lastCommandTime = now
	a.commandCount++
	a.applyCooldownLocked(CommandLand, now)
	if a.phase == PhaseFlying || a.phase == PhaseTakingOff {
		a.setPhase(PhaseLanding)
	}
	a.history = append(a.history, CommandRecord{Decision: decision, Timestamp: now})
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}
	return decision
}

// StateInfo snapshots the arbiter for dashboards.
func (a *Arbiter) StateInfo(now time.Time) ArbiterState {
	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := a.cooldownUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	active := 0
	for _, mapping := range a.cfg.Mappings {
		if mapping.Enabled {
			active++
		}
	}
	return ArbiterState{
		Phase:             a.phase,
		LastCommand:       a.lastCommand,
		CooldownActive:    now.Before(a.cooldownUntil),
		CooldownRemaining: remaining,
		ActiveMappings:    active,
		CommandCount:      a.commandCount,
	}
}

// ActiveMappings lists the enabled class→command bindings.
func (a *Arbiter) ActiveMappings() []ActiveMapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	classes := make([]string, 0, len(a.cfg.Mappings))
	for class := range a.cfg.Mappings {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	var active []ActiveMapping
	for _, class := range classes {
		mapping := a.cfg.Mappings[class]
		if !mapping.Enabled {
			continue
		}
		active = append(active, ActiveMapping{
			Class:       class,
			Command:     mapping.Command,
			Description: mapping.Description,
			Threshold:   a.threshold(class),
		})
	}
	return active
}

// History returns a copy of the bounded command history, newest last.
func (a *Arbiter) History() []CommandRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CommandRecord, len(a.history))
	copy(out, a.history)
	return out
}
