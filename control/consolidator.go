package control

import (
	"log/slog"
	"time"

	"bci-flight/models"
	"bci-flight/utils"
)

// ConsolidatorConfig tunes sustained-intent detection. Every lookup table has
// a documented default so configuration gaps are never fatal.
type ConsolidatorConfig struct {
	HistorySize      int
	SmoothingWindow  int
	MinConsistent    int
	GapReset         time.Duration
	NeutralClass     string
	Thresholds       map[string]float64
	Durations        map[string]time.Duration
	DefaultThreshold float64
	DefaultDuration  time.Duration
}

// DefaultConsolidatorConfig mirrors the buffer defaults the bridge ships with.
func DefaultConsolidatorConfig() ConsolidatorConfig {
	return ConsolidatorConfig{
		HistorySize:      50,
		SmoothingWindow:  5,
		MinConsistent:    3,
		GapReset:         500 * time.Millisecond,
		NeutralClass:     "Rest",
		DefaultThreshold: 0.7,
		DefaultDuration:  2 * time.Second,
	}
}

type bufferedResult struct {
	result    models.ClassifierResult
	timestamp time.Time
}

// resultRing is a fixed-capacity ring of recent classifier results; the
// oldest entry is dropped on overflow.
type resultRing struct {
	data []bufferedResult
	head int
	size int
}

func newResultRing(capacity int) *resultRing {
	return &resultRing{data: make([]bufferedResult, capacity)}
}

func (r *resultRing) push(entry bufferedResult) {
	r.data[r.head] = entry
	r.head = (r.head + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

// recent returns up to n entries, newest first.
func (r *resultRing) recent(n int) []bufferedResult {
	if n > r.size {
		n = r.size
	}
	out := make([]bufferedResult, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + len(r.data)) % len(r.data)
		out[i] = r.data[idx]
	}
	return out
}

func (r *resultRing) latest() (bufferedResult, bool) {
	if r.size == 0 {
		return bufferedResult{}, false
	}
	return r.data[(r.head-1+len(r.data))%len(r.data)], true
}

type sustainTracker struct {
	classifierID  string
	startTime     time.Time
	lastSeen      time.Time
	triggered     bool
	confidenceSum float64
	count         int
}

// Consolidator buffers recent classifier results, maintains rolling-window
// smoothed distributions and detects sustained class activations. It is owned
// by the ingestion flow and is not safe for concurrent use.
type Consolidator struct {
	cfg      ConsolidatorConfig
	buffers  map[string]*resultRing
	trackers map[string]*sustainTracker
	smoothed map[string]SmoothedPrediction
	jitter   map[string]int
	logger   *slog.Logger
}

func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.SmoothingWindow <= 0 {
		cfg.SmoothingWindow = 5
	}
	if cfg.MinConsistent <= 0 {
		cfg.MinConsistent = 3
	}
	if cfg.GapReset <= 0 {
		cfg.GapReset = 500 * time.Millisecond
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.7
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 2 * time.Second
	}
	return &Consolidator{
		cfg:      cfg,
		buffers:  make(map[string]*resultRing),
		trackers: make(map[string]*sustainTracker),
		smoothed: make(map[string]SmoothedPrediction),
		jitter:   make(map[string]int),
	}
}

func (c *Consolidator) threshold(class string) float64 {
	if v, ok := c.cfg.Thresholds[class]; ok {
		return v
	}
	return c.cfg.DefaultThreshold
}

func (c *Consolidator) requiredDuration(class string) time.Duration {
	if v, ok := c.cfg.Durations[class]; ok {
		return v
	}
	return c.cfg.DefaultDuration
}

// AddResults appends one tick's results and returns any sustained events that
// fired this tick. Invalid results count as "no qualifying sample".
func (c *Consolidator) AddResults(results []models.ClassifierResult, now time.Time) []SustainedEvent {
	for _, result := range results {
		if !result.Valid() {
			continue
		}
		buffer, ok := c.buffers[result.ClassifierID]
		if !ok {
			buffer = newResultRing(c.cfg.HistorySize)
			c.buffers[result.ClassifierID] = buffer
		}
		buffer.push(bufferedResult{result: result, timestamp: now})
	}

	c.updateSmoothed()
	return c.checkSustained(now)
}

// updateSmoothed recomputes the rolling arithmetic-mean distribution per
// classifier. Smoothed values are for observability only; sustained detection
// works on raw per-sample confidence so short genuine holds are not masked.
func (c *Consolidator) updateSmoothed() {
	c.smoothed = make(map[string]SmoothedPrediction)

	for classifierID, buffer := range c.buffers {
		if buffer.size < c.cfg.SmoothingWindow {
			continue
		}
		recent := buffer.recent(c.cfg.SmoothingWindow)

		sums := make(map[string]float64)
		counts := make(map[string]int)
		for _, entry := range recent {
			for class, prob := range entry.result.Probabilities {
				sums[class] += prob
				counts[class]++
			}
		}

		probs := make(map[string]float64, len(sums))
		bestClass := ""
		bestProb := -1.0
		for class, sum := range sums {
			mean := sum / float64(counts[class])
			probs[class] = mean
			if mean > bestProb {
				bestClass, bestProb = class, mean
			}
		}
		if bestClass == "" {
			continue
		}
		c.smoothed[classifierID] = SmoothedPrediction{
			PredictedClass: bestClass,
			Confidence:     bestProb,
			Probabilities:  probs,
		}
	}
}

func (c *Consolidator) checkSustained(now time.Time) []SustainedEvent {
	var events []SustainedEvent
	active := make(map[string]bool)

	for classifierID, buffer := range c.buffers {
		entry, ok := buffer.latest()
		if !ok {
			continue
		}
		result := entry.result
		class := result.PredictedClass

		if class == c.cfg.NeutralClass {
			continue
		}
		active[class] = true

		if result.Confidence < c.threshold(class) {
			continue
		}

		tracker, ok := c.trackers[class]
		if !ok || tracker.startTime.IsZero() {
			c.trackers[class] = &sustainTracker{
				classifierID:  classifierID,
				startTime:     now,
				lastSeen:      now,
				confidenceSum: result.Confidence,
				count:         1,
			}
			utils.GetLogger().Debug("started sustained tracking",
				slog.String("class", class), slog.String("classifier", classifierID))
			continue
		}

		if now.Sub(tracker.lastSeen) > c.cfg.GapReset {
			// Gap ends the episode; this sample starts a fresh one.
			c.trackers[class] = &sustainTracker{
				classifierID:  classifierID,
				startTime:     now,
				lastSeen:      now,
				confidenceSum: result.Confidence,
				count:         1,
			}
			continue
		}

		tracker.lastSeen = now
		tracker.confidenceSum += result.Confidence
		tracker.count++

		held := now.Sub(tracker.startTime)
		if held >= c.requiredDuration(class) && !tracker.triggered && tracker.count >= c.cfg.MinConsistent {
			avg := tracker.confidenceSum / float64(tracker.count)
			utils.GetLogger().Info("sustained activation triggered",
				slog.String("class", class),
				slog.String("classifier", classifierID),
				slog.Float64("heldSeconds", held.Seconds()),
				slog.Float64("avgConfidence", avg))
			events = append(events, SustainedEvent{
				ClassName:         class,
				ClassifierID:      classifierID,
				HeldDuration:      held,
				AverageConfidence: avg,
				SampleCount:       tracker.count,
			})
			tracker.triggered = true
		}
	}

	// Classes absent from this tick's active set lose their episodes.
	for class := range c.trackers {
		if !active[class] {
			c.resetTracker(class)
		}
	}

	return events
}

func (c *Consolidator) resetTracker(class string) {
	delete(c.trackers, class)
}

// ResetClass forcibly clears a class's sustained tracker. The arbiter calls
// this after consuming an event so stale state cannot re-fire immediately.
func (c *Consolidator) ResetClass(class string) {
	c.resetTracker(class)
}

// Jittering reports whether a classifier's predicted class flipped more than
// three times over its last five samples. The per-classifier counter
// increments while jittering and resets to zero otherwise.
func (c *Consolidator) Jittering(classifierID string) bool {
	buffer, ok := c.buffers[classifierID]
	if !ok || buffer.size < 5 {
		return false
	}

	recent := buffer.recent(5)
	changes := 0
	for i := 1; i < len(recent); i++ {
		if recent[i].result.PredictedClass != recent[i-1].result.PredictedClass {
			changes++
		}
	}

	if changes > 3 {
		c.jitter[classifierID]++
		utils.GetLogger().Warn("prediction jitter detected",
			slog.String("classifier", classifierID),
			slog.Int("count", c.jitter[classifierID]))
		return true
	}
	c.jitter[classifierID] = 0
	return false
}

// Smoothed returns the current rolling-window distributions per classifier.
func (c *Consolidator) Smoothed() map[string]SmoothedPrediction {
	out := make(map[string]SmoothedPrediction, len(c.smoothed))
	for id, pred := range c.smoothed {
		out[id] = pred
	}
	return out
}

// SustainedInfo reports the progress of live episodes for dashboards.
func (c *Consolidator) SustainedInfo(now time.Time) map[string]SustainProgress {
	info := make(map[string]SustainProgress)
	for class, tracker := range c.trackers {
		if tracker.startTime.IsZero() {
			continue
		}
		duration := now.Sub(tracker.startTime)
		required := c.requiredDuration(class)
		progress := 1.0
		if required > 0 {
			progress = min(duration.Seconds()/required.Seconds(), 1.0)
		}
		avg := 0.0
		if tracker.count > 0 {
			avg = tracker.confidenceSum / float64(tracker.count)
		}
		info[class] = SustainProgress{
			Duration:          duration,
			Required:          required,
			Progress:          progress,
			Triggered:         tracker.triggered,
			AverageConfidence: avg,
		}
	}
	return info
}

// BufferStats summarises the per-classifier buffers for dashboards.
func (c *Consolidator) BufferStats() map[string]BufferStats {
	stats := make(map[string]BufferStats, len(c.buffers))
	for classifierID, buffer := range c.buffers {
		if buffer.size == 0 {
			stats[classifierID] = BufferStats{}
			continue
		}
		distribution := make(map[string]int)
		var confidenceSum float64
		entries := buffer.recent(buffer.size)
		for _, entry := range entries {
			distribution[entry.result.PredictedClass]++
			confidenceSum += entry.result.Confidence
		}
		_, hasSmoothed := c.smoothed[classifierID]
		stats[classifierID] = BufferStats{
			Size:              buffer.size,
			ClassDistribution: distribution,
			AvgConfidence:     confidenceSum / float64(buffer.size),
			JitterCount:       c.jitter[classifierID],
			HasSmoothed:       hasSmoothed,
		}
	}
	return stats
}
