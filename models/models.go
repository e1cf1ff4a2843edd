package models

import "time"

// ClassifierResult is one classifier's output for a single tick: the argmax
// class, its scalar confidence and the full per-class probability map. The
// probabilities are treated independently and need not sum to one.
type ClassifierResult struct {
	ClassifierID   string             `json:"classifierId"`
	PredictedClass string             `json:"predictedClass"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Valid reports whether the result carries the fields the decision core needs.
// Malformed results are skipped, never rejected with an error.
func (r ClassifierResult) Valid() bool {
	return r.ClassifierID != "" && r.PredictedClass != "" && r.Probabilities != nil
}

// ResultBatch groups the per-classifier results produced in one tick.
type ResultBatch struct {
	Results   map[string]ClassifierResult `json:"results"`
	Timestamp time.Time                   `json:"timestamp"`
}

// VelocityCommand is one streaming actuation sample. Both components are
// clamped to the vehicle's accepted [-100, 100] range before construction.
type VelocityCommand struct {
	Forward  int `json:"forward"`
	Rotation int `json:"rotation"`
}

// CommandMessage is the JSON datagram delivered to the vehicle process.
// Discrete commands carry provenance; streaming commands carry the packed
// RC parameter string instead.
type CommandMessage struct {
	Command          string  `json:"command"`
	Params           string  `json:"params,omitempty"`
	SourceClass      string  `json:"source_class,omitempty"`
	SourceClassifier string  `json:"source_model,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Degrees          int     `json:"degrees,omitempty"`
	Timestamp        int64   `json:"timestamp,omitempty"`
}

// CompletionNotice is the vehicle's report that a discrete command finished.
type CompletionNotice struct {
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
