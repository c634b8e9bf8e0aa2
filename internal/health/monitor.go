package health

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/meshline/meshline/internal/chat"
)

// SnapshotListener receives one platform's metrics per SnapshotAll
// pass. A panicking listener is recovered and logged; remaining
// listeners still run.
type SnapshotListener func(chat.Platform, Metrics)

// Monitor owns one collector per platform, created lazily on first
// record or eagerly via RegisterPlatform.
type Monitor struct {
	cfg    CollectorConfig
	logger *slog.Logger

	mu         sync.Mutex
	collectors map[chat.Platform]*Collector
	nextSub    int
	listeners  map[int]SnapshotListener
}

// NewMonitor creates a monitor whose collectors all share cfg.
func NewMonitor(cfg CollectorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		collectors: make(map[chat.Platform]*Collector),
		listeners:  make(map[int]SnapshotListener),
	}
}

// RegisterPlatform eagerly creates the collector for platform so it
// shows up in SnapshotAll before any action is recorded.
func (m *Monitor) RegisterPlatform(platform chat.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectorLocked(platform)
}

// Record stores a result for platform, creating its collector on
// first use.
func (m *Monitor) Record(platform chat.Platform, r ActionResult) {
	m.mu.Lock()
	c := m.collectorLocked(platform)
	m.mu.Unlock()

	c.Record(r)
}

// Snapshot returns the metrics for one platform; ok is false when the
// platform has never been registered or recorded.
func (m *Monitor) Snapshot(platform chat.Platform) (Metrics, bool) {
	m.mu.Lock()
	c, ok := m.collectors[platform]
	m.mu.Unlock()
	if !ok {
		return Metrics{}, false
	}
	return c.Snapshot(), true
}

// SnapshotAll snapshots every platform and notifies listeners once
// per platform. Listener panics are contained and logged.
func (m *Monitor) SnapshotAll() map[chat.Platform]Metrics {
	m.mu.Lock()
	collectors := make(map[chat.Platform]*Collector, len(m.collectors))
	for p, c := range m.collectors {
		collectors[p] = c
	}
	listeners := make([]SnapshotListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	out := make(map[chat.Platform]Metrics, len(collectors))
	for p, c := range collectors {
		snap := c.Snapshot()
		out[p] = snap
		for _, fn := range listeners {
			m.notify(fn, p, snap)
		}
	}
	return out
}

func (m *Monitor) notify(fn SnapshotListener, p chat.Platform, snap Metrics) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health snapshot listener panicked",
				"platform", p,
				"panic", r,
			)
		}
	}()
	fn(p, snap)
}

// OnSnapshot registers a listener and returns an unsubscribe handle.
func (m *Monitor) OnSnapshot(fn SnapshotListener) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// HasDetectionSignal reports whether any platform's current snapshot
// carries a detection flag.
func (m *Monitor) HasDetectionSignal() bool {
	for _, snap := range m.SnapshotAll() {
		if snap.SuspectedDetection || snap.CaptchaEncountered || snap.RateLimited {
			return true
		}
	}
	return false
}

// DisconnectedPlatforms returns all platforms whose snapshot reports
// Connected=false, sorted for stable output.
func (m *Monitor) DisconnectedPlatforms() []chat.Platform {
	var out []chat.Platform
	for p, snap := range m.SnapshotAll() {
		if !snap.Connected {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset clears the named platform's collector; with no arguments it
// clears every collector.
func (m *Monitor) Reset(platforms ...chat.Platform) {
	m.mu.Lock()
	var targets []*Collector
	if len(platforms) == 0 {
		for _, c := range m.collectors {
			targets = append(targets, c)
		}
	} else {
		for _, p := range platforms {
			if c, ok := m.collectors[p]; ok {
				targets = append(targets, c)
			}
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.Reset()
	}
}

// collectorLocked returns the collector for platform, creating it if
// needed. Caller holds m.mu.
func (m *Monitor) collectorLocked(platform chat.Platform) *Collector {
	c, ok := m.collectors[platform]
	if !ok {
		c = NewCollector(platform, m.cfg)
		m.collectors[platform] = c
	}
	return c
}
