package control

import (
	"math"
	"sync"
	"time"
)

// HeadingConfig tunes the interval-based discrete rotation path, an
// alternative to the streaming channel when only yaw control is wanted.
type HeadingConfig struct {
	Enabled         bool
	CommandInterval time.Duration
	DeadZone        float64
	SmoothingFactor float64
	FastDegrees     int
	SlowDegrees     int
	FastThreshold   float64
	Classes         ShaperClasses
}

func DefaultHeadingConfig() HeadingConfig {
	return HeadingConfig{
		Enabled:         false,
		CommandInterval: 500 * time.Millisecond,
		DeadZone:        0.25,
		SmoothingFactor: 0.3,
		FastDegrees:     20,
		SlowDegrees:     10,
		FastThreshold:   0.6,
		Classes: ShaperClasses{
			Left:    "Left_Fist",
			Right:   "Right_Fist",
			Both:    "Both_Fists",
			Neutral: "Rest",
		},
	}
}

// RotationCommand is one discrete heading adjustment: cw or ccw by degrees.
type RotationCommand struct {
	Command      string  `json:"command"`
	Degrees      int     `json:"degrees"`
	Direction    string  `json:"direction"`
	ControlValue float64 `json:"controlValue"`
}

// HeadingController converts the left/right probability differential into
// periodic discrete rotation commands.
type HeadingController struct {
	mu sync.Mutex

	cfg            HeadingConfig
	smoothed       float64
	hasPredictions bool
	lastPrediction time.Time
}

func NewHeadingController(cfg HeadingConfig) *HeadingController {
	if cfg.CommandInterval <= 0 {
		cfg.CommandInterval = 500 * time.Millisecond
	}
	if cfg.SmoothingFactor <= 0 || cfg.SmoothingFactor >= 1 {
		cfg.SmoothingFactor = 0.3
	}
	return &HeadingController{cfg: cfg}
}

// Update ingests one probability vector at prediction rate.
func (h *HeadingController) Update(probabilities map[string]float64, now time.Time) {
	if !h.cfg.Enabled {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	left := probabilities[h.cfg.Classes.Left]
	right := probabilities[h.cfg.Classes.Right]
	both := probabilities[h.cfg.Classes.Both]

	var raw float64
	if total := left + right + 0.01; total > 0.1 {
		raw = (right - left) / total
		raw *= 1.0 - both*0.5 // both-hands activation damps rotation
	}

	h.smoothed = h.cfg.SmoothingFactor*h.smoothed + (1-h.cfg.SmoothingFactor)*raw
	h.hasPredictions = true
	h.lastPrediction = now
}

// RotationCommand returns the pending heading adjustment, or nil while inside
// the dead zone or before any prediction arrived.
func (h *HeadingController) RotationCommand() *RotationCommand {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.cfg.Enabled || !h.hasPredictions {
		return nil
	}
	magnitude := math.Abs(h.smoothed)
	if magnitude < h.cfg.DeadZone {
		return nil
	}

	degrees := h.cfg.SlowDegrees
	if magnitude > h.cfg.FastThreshold {
		degrees = h.cfg.FastDegrees
	}

	cmd := RotationCommand{Degrees: degrees, ControlValue: h.smoothed}
	if h.smoothed > 0 {
		cmd.Command = "cw"
		cmd.Direction = "right"
	} else {
		cmd.Command = "ccw"
		cmd.Direction = "left"
	}
	return &cmd
}

// ShouldSend reports whether the command interval has elapsed.
func (h *HeadingController) ShouldSend(now, lastCommand time.Time) bool {
	return now.Sub(lastCommand) >= h.cfg.CommandInterval
}

// Reset clears the smoothed control value.
func (h *HeadingController) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.smoothed = 0
	h.hasPredictions = false
}
