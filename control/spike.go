package control

import (
	"log/slog"
	"math"
	"time"

	"bci-flight/utils"
)

// SpikeConfig tunes the spike/impulse strategy.
type SpikeConfig struct {
	BufferSize   int
	ThresholdStd float64
	MinMagnitude float64
	DecayRate    float64
	Cooldown     time.Duration
	MaxAge       time.Duration
	Floor        float64
}

// DefaultSpikeConfig carries the spike-detector defaults of the bridge.
func DefaultSpikeConfig() SpikeConfig {
	return SpikeConfig{
		BufferSize:   30,
		ThresholdStd: 1.5,
		MinMagnitude: 0.1,
		DecayRate:    0.95,
		Cooldown:     500 * time.Millisecond,
		MaxAge:       2 * time.Second,
		Floor:        0.01,
	}
}

// spikeEvent is one detected probability excursion, decaying from magnitude
// at its timestamp.
type spikeEvent struct {
	timestamp time.Time
	magnitude float64
}

func (e spikeEvent) decayed(now time.Time, rate float64) float64 {
	return e.magnitude * math.Pow(rate, now.Sub(e.timestamp).Seconds())
}

// floatRing is a fixed-capacity ring of probability samples.
type floatRing struct {
	data []float64
	head int
	size int
}

func newFloatRing(capacity int) *floatRing {
	return &floatRing{data: make([]float64, capacity)}
}

func (r *floatRing) push(v float64) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

func (r *floatRing) last() float64 {
	if r.size == 0 {
		return 0
	}
	return r.data[(r.head-1+len(r.data))%len(r.data)]
}

func (r *floatRing) meanStd() (mean, std float64) {
	if r.size == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < r.size; i++ {
		sum += r.data[i]
	}
	mean = sum / float64(r.size)
	var variance float64
	for i := 0; i < r.size; i++ {
		diff := r.data[i] - mean
		variance += diff * diff
	}
	return mean, math.Sqrt(variance / float64(r.size))
}

func (r *floatRing) clear() {
	r.head = 0
	r.size = 0
}

// spikeDetector maintains per-class rolling probability buffers and the set of
// live decaying impulses. A spike fires when the current sample exceeds
// mean + ThresholdStd·stddev of its buffer, exceeds the absolute minimum and
// the class is out of its spike cooldown.
type spikeDetector struct {
	cfg       SpikeConfig
	buffers   map[string]*floatRing
	active    map[string][]spikeEvent
	lastSpike map[string]time.Time
}

// minSpikeSamples is how many samples a buffer needs before its statistics
// are meaningful.
const minSpikeSamples = 10

func newSpikeDetector(cfg SpikeConfig, classes []string) *spikeDetector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 30
	}
	if cfg.ThresholdStd <= 0 {
		cfg.ThresholdStd = 1.5
	}
	if cfg.DecayRate <= 0 || cfg.DecayRate >= 1 {
		cfg.DecayRate = 0.95
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 500 * time.Millisecond
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Second
	}
	if cfg.Floor <= 0 {
		cfg.Floor = 0.01
	}
	d := &spikeDetector{
		cfg:       cfg,
		buffers:   make(map[string]*floatRing),
		active:    make(map[string][]spikeEvent),
		lastSpike: make(map[string]time.Time),
	}
	for _, class := range classes {
		if class == "" {
			continue
		}
		d.buffers[class] = newFloatRing(cfg.BufferSize)
	}
	return d
}

// observe appends the tick's probabilities and runs detection and decay.
func (d *spikeDetector) observe(probabilities map[string]float64, now time.Time) {
	for class, buffer := range d.buffers {
		buffer.push(probabilities[class])
	}
	d.detect(now)
	d.expire(now)
}

func (d *spikeDetector) detect(now time.Time) {
	for class, buffer := range d.buffers {
		if buffer.size < minSpikeSamples {
			continue
		}
		mean, std := buffer.meanStd()
		current := buffer.last()
		if std <= 0.01 {
			continue
		}
		if (current-mean)/std <= d.cfg.ThresholdStd {
			continue
		}
		if current <= d.cfg.MinMagnitude {
			continue
		}
		if now.Sub(d.lastSpike[class]) <= d.cfg.Cooldown {
			continue
		}
		d.active[class] = append(d.active[class], spikeEvent{timestamp: now, magnitude: current - mean})
		d.lastSpike[class] = now
		utils.GetLogger().Debug("probability spike detected",
			slog.String("class", class),
			slog.Float64("magnitude", current-mean))
	}
}

// expire discards spikes whose decayed magnitude fell below the floor or that
// exceeded the maximum age.
func (d *spikeDetector) expire(now time.Time) {
	for class, spikes := range d.active {
		kept := spikes[:0]
		for _, spike := range spikes {
			if now.Sub(spike.timestamp) < d.cfg.MaxAge && spike.decayed(now, d.cfg.DecayRate) > d.cfg.Floor {
				kept = append(kept, spike)
			}
		}
		d.active[class] = kept
	}
}

func (d *spikeDetector) sumDecayed(class string, now time.Time) float64 {
	var sum float64
	for _, spike := range d.active[class] {
		sum += spike.decayed(now, d.cfg.DecayRate)
	}
	return sum
}

// intents converts live spikes into raw rotation and forward intents.
func (d *spikeDetector) intents(now time.Time, classes ShaperClasses) (rotation, forward float64) {
	rotation = d.sumDecayed(classes.Right, now) - d.sumDecayed(classes.Left, now)
	forward = d.sumDecayed(classes.Both, now)
	return rotation, forward
}

func (d *spikeDetector) reset() {
	for _, buffer := range d.buffers {
		buffer.clear()
	}
	for class := range d.active {
		d.active[class] = nil
	}
}
