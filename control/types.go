package control

import "time"

// FlightPhase is the vehicle's coarse operating mode. It gates which discrete
// commands may be dispatched and whether the streaming channel is open.
type FlightPhase string

const (
	PhaseGrounded  FlightPhase = "grounded"
	PhaseTakingOff FlightPhase = "taking_off"
	PhaseFlying    FlightPhase = "flying"
	PhaseLanding   FlightPhase = "landing"
)

// Well-known command names. Everything else (strafes, ascents, rotations) is
// plain data flowing through the same tables.
const (
	CommandTakeoff   = "takeoff"
	CommandLand      = "land"
	CommandToggle    = "toggle_flight"
	CommandStreaming = "rc"
	CommandEmergency = "emergency"
)

// SustainedEvent is emitted once per sustained episode: a class held above its
// confidence threshold long enough, densely enough, to count as intent.
type SustainedEvent struct {
	ClassName         string        `json:"class"`
	ClassifierID      string        `json:"classifier"`
	HeldDuration      time.Duration `json:"heldDuration"`
	AverageConfidence float64       `json:"averageConfidence"`
	SampleCount       int           `json:"sampleCount"`
}

// CommandMapping binds a classifier class to a vehicle command.
type CommandMapping struct {
	Command     string `json:"command"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	Degrees     int    `json:"degrees,omitempty"`
}

// Decision is the single command selected by one arbitration cycle, together
// with its provenance. It is owned by the arbiter until handed to the sink.
type Decision struct {
	Command           string        `json:"command"`
	SourceClassifier  string        `json:"sourceClassifier"`
	SourceClass       string        `json:"sourceClass"`
	Confidence        float64       `json:"confidence"`
	Priority          int           `json:"priority"`
	Description       string        `json:"description,omitempty"`
	Degrees           int           `json:"degrees,omitempty"`
	SustainedDuration time.Duration `json:"sustainedDuration,omitempty"`
	Forced            bool          `json:"forced,omitempty"`
}

// commandCandidate is one surviving mapping inside an arbitration cycle.
// Candidates never outlive the MapPredictions call that built them.
type commandCandidate struct {
	command          string
	sourceClassifier string
	sourceClass      string
	confidence       float64
	priority         int
	description      string
	degrees          int
}

// SmoothedPrediction is the rolling-window mean distribution for a classifier.
// It exists for observability; sustained detection works on raw samples.
type SmoothedPrediction struct {
	PredictedClass string             `json:"predictedClass"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
}

// SustainProgress describes a live sustained episode for dashboards.
type SustainProgress struct {
	Duration          time.Duration `json:"duration"`
	Required          time.Duration `json:"required"`
	Progress          float64       `json:"progress"`
	Triggered         bool          `json:"triggered"`
	AverageConfidence float64       `json:"averageConfidence"`
}

// BufferStats summarises one classifier's recent result buffer.
type BufferStats struct {
	Size              int            `json:"size"`
	ClassDistribution map[string]int `json:"classDistribution,omitempty"`
	AvgConfidence     float64        `json:"avgConfidence"`
	JitterCount       int            `json:"jitterCount"`
	HasSmoothed       bool           `json:"hasSmoothed"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
