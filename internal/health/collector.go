// Package health tracks per-platform adapter health over a sliding
// time window. Adapters record action outcomes; the collector derives
// success rates, latency order statistics, and detection flags from
// whatever samples remain in the window. Eviction is lazy — it happens
// on Record and Snapshot only, never on a background timer.
package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/meshline/meshline/internal/chat"
)

// Detection marks a sample as carrying an anti-bot signal.
type Detection string

// Detection signals.
const (
	DetectionNone      Detection = ""
	DetectionCaptcha   Detection = "captcha"
	DetectionRateLimit Detection = "rate_limit"
	DetectionSuspected Detection = "suspected"
)

// ActionResult is one recorded adapter action outcome.
type ActionResult struct {
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
	ErrorType string // empty on success
	Detection Detection
}

// Metrics is a point-in-time snapshot for one platform.
type Metrics struct {
	Platform      chat.Platform  `json:"platform"`
	Timestamp     time.Time      `json:"timestamp"`
	Connected     bool           `json:"connected"`
	LastSuccessAt time.Time      `json:"last_success_at,omitzero"`
	AvgLatency    time.Duration  `json:"avg_latency_ms"`
	P99Latency    time.Duration  `json:"p99_latency_ms"`
	SuccessRate   float64        `json:"success_rate"`
	ErrorRate     float64        `json:"error_rate"`
	ErrorTypes    map[string]int `json:"error_types,omitempty"`

	SuspectedDetection bool `json:"suspected_detection"`
	CaptchaEncountered bool `json:"captcha_encountered"`
	RateLimited        bool `json:"rate_limited"`

	SampleCount int `json:"sample_count"`
}

// CollectorConfig bounds a collector's window. Zero values fall back
// to the defaults.
type CollectorConfig struct {
	// Window is the retention span [now−Window, now).
	Window time.Duration
	// MaxWindowSize caps retained samples; the oldest are dropped.
	MaxWindowSize int
	// DisconnectThreshold is the max age of the last success before
	// the platform counts as disconnected.
	DisconnectThreshold time.Duration
	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
}

// Collector defaults.
const (
	DefaultWindow              = 5 * time.Minute
	DefaultMaxWindowSize       = 1000
	DefaultDisconnectThreshold = 2 * time.Minute
)

// Collector accumulates action results for a single platform. Safe for
// concurrent use.
type Collector struct {
	platform  chat.Platform
	window    time.Duration
	maxSize   int
	threshold time.Duration
	now       func() time.Time

	mu          sync.Mutex
	results     []ActionResult // sorted by Timestamp
	lastSuccess time.Time
}

// NewCollector creates a collector for the given platform.
func NewCollector(platform chat.Platform, cfg CollectorConfig) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxWindowSize <= 0 {
		cfg.MaxWindowSize = DefaultMaxWindowSize
	}
	if cfg.DisconnectThreshold <= 0 {
		cfg.DisconnectThreshold = DefaultDisconnectThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{
		platform:  platform,
		window:    cfg.Window,
		maxSize:   cfg.MaxWindowSize,
		threshold: cfg.DisconnectThreshold,
		now:       cfg.Now,
	}
}

// Record adds a result. A zero Timestamp is filled with the current
// clock. Out-of-order timestamps are inserted in position so the
// window stays sorted.
func (c *Collector) Record(r ActionResult) {
	if r.Timestamp.IsZero() {
		r.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Common case: append in order.
	n := len(c.results)
	if n == 0 || !r.Timestamp.Before(c.results[n-1].Timestamp) {
		c.results = append(c.results, r)
	} else {
		idx := sort.Search(n, func(i int) bool {
			return c.results[i].Timestamp.After(r.Timestamp)
		})
		c.results = append(c.results, ActionResult{})
		copy(c.results[idx+1:], c.results[idx:])
		c.results[idx] = r
	}

	if r.Success && r.Timestamp.After(c.lastSuccess) {
		c.lastSuccess = r.Timestamp
	}

	c.evictLocked(c.now())
}

// Snapshot computes the current metrics from the in-window samples.
func (c *Collector) Snapshot() Metrics {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)

	m := Metrics{
		Platform:      c.platform,
		Timestamp:     now,
		LastSuccessAt: c.lastSuccess,
		SampleCount:   len(c.results),
		ErrorTypes:    make(map[string]int),
	}

	m.Connected = !c.lastSuccess.IsZero() && now.Sub(c.lastSuccess) < c.threshold

	if len(c.results) == 0 {
		return m
	}

	latencies := make([]time.Duration, 0, len(c.results))
	var successes int
	var latencySum time.Duration
	for _, r := range c.results {
		latencies = append(latencies, r.Latency)
		latencySum += r.Latency
		if r.Success {
			successes++
		} else if r.ErrorType != "" {
			m.ErrorTypes[r.ErrorType]++
		}
		switch r.Detection {
		case DetectionCaptcha:
			m.CaptchaEncountered = true
			m.SuspectedDetection = true
		case DetectionRateLimit:
			m.RateLimited = true
			m.SuspectedDetection = true
		case DetectionSuspected:
			m.SuspectedDetection = true
		}
	}

	m.SuccessRate = float64(successes) / float64(len(c.results))
	m.ErrorRate = 1 - m.SuccessRate
	m.AvgLatency = latencySum / time.Duration(len(c.results))
	m.P99Latency = p99(latencies)

	return m
}

// Reset clears all samples and the last-success marker.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = nil
	c.lastSuccess = time.Time{}
}

// evictLocked drops samples older than the window via binary search,
// then enforces the size cap. Caller holds c.mu.
func (c *Collector) evictLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	idx := sort.Search(len(c.results), func(i int) bool {
		return !c.results[i].Timestamp.Before(cutoff)
	})
	if idx > 0 {
		c.results = c.results[idx:]
	}
	if over := len(c.results) - c.maxSize; over > 0 {
		c.results = c.results[over:]
	}
}

// p99 returns the 99th-percentile order statistic:
// sorted[ceil(n·0.99)−1], clamped to the last index.
func p99(latencies []time.Duration) time.Duration {
	n := len(latencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(float64(n)*0.99)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
