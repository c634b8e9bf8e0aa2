// Package alerts evaluates health metric snapshots against configured
// rules and drives the firing/resolved lifecycle per (rule, platform)
// pair, with cooldown suppression and optional hysteresis via separate
// resolve conditions.
package alerts

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshline/meshline/internal/chat"
	"github.com/meshline/meshline/internal/health"
)

// Severity ranks an alert rule.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Op is a numeric comparator.
type Op string

// Comparators.
const (
	OpGT  Op = "gt"
	OpGTE Op = "gte"
	OpLT  Op = "lt"
	OpLTE Op = "lte"
	OpEQ  Op = "eq"
)

// Condition compares one named metric against a threshold. Boolean
// metrics coerce to 0/1.
type Condition struct {
	Metric    string  `yaml:"metric"`
	Op        Op      `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
}

// Rule describes when an alert fires. Empty Platforms means the rule
// applies to every platform. ResolveConditions, when present, gate the
// firing→resolved transition (hysteresis); otherwise the negation of
// the fire conditions resolves.
type Rule struct {
	ID                string          `yaml:"id"`
	Name              string          `yaml:"name"`
	Severity          Severity        `yaml:"severity"`
	Platforms         []chat.Platform `yaml:"platforms"`
	Conditions        []Condition     `yaml:"conditions"`
	ResolveConditions []Condition     `yaml:"resolve_conditions"`
	Cooldown          time.Duration   `yaml:"cooldown"`
}

// State is the lifecycle phase carried on an alert event.
type State string

// Alert states.
const (
	StateFiring   State = "firing"
	StateResolved State = "resolved"
)

// Event is one alert lifecycle transition.
type Event struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Platform chat.Platform  `json:"platform"`
	Severity Severity       `json:"severity"`
	State    State          `json:"state"`
	FiredAt  time.Time      `json:"fired_at"`
	Metrics  health.Metrics `json:"metrics"`
}

// Listener receives alert events synchronously during Evaluate.
type Listener func(Event)

type fireKey struct {
	rule     string
	platform chat.Platform
}

type fireState struct {
	firing  bool
	firedAt time.Time // retained across resolve for cooldown checks
}

// Manager holds rules and per-(rule, platform) fire state.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	rules     []Rule
	states    map[fireKey]*fireState
	nextSub   int
	listeners map[int]Listener
}

// NewManager creates an alert manager. now is injectable for tests;
// nil means time.Now.
func NewManager(logger *slog.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		logger:    logger,
		now:       now,
		states:    make(map[fireKey]*fireState),
		listeners: make(map[int]Listener),
	}
}

// AddRule registers a rule. Rules with a duplicate ID replace the
// earlier registration.
func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			m.rules[i] = r
			return
		}
	}
	m.rules = append(m.rules, r)
}

// RemoveRule deletes a rule and all its fire state.
func (m *Manager) RemoveRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			break
		}
	}
	for k := range m.states {
		if k.rule == id {
			delete(m.states, k)
		}
	}
}

// OnAlert registers a listener and returns an unsubscribe handle.
func (m *Manager) OnAlert(fn Listener) func() {
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

// Evaluate runs every applicable rule against the snapshot and returns
// the lifecycle events produced. Listeners are notified for each event.
func (m *Manager) Evaluate(metrics health.Metrics) []Event {
	now := m.now()

	m.mu.Lock()
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	m.mu.Unlock()

	var events []Event
	for _, rule := range rules {
		if !ruleApplies(rule, metrics.Platform) {
			continue
		}
		if evt, ok := m.evaluateRule(rule, metrics, now); ok {
			events = append(events, evt)
		}
	}

	if len(events) > 0 {
		m.mu.Lock()
		listeners := make([]Listener, 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
		m.mu.Unlock()

		for _, evt := range events {
			for _, fn := range listeners {
				fn(evt)
			}
		}
	}
	return events
}

// evaluateRule applies one rule's lifecycle step.
func (m *Manager) evaluateRule(rule Rule, metrics health.Metrics, now time.Time) (Event, bool) {
	key := fireKey{rule: rule.ID, platform: metrics.Platform}

	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		st = &fireState{}
		m.states[key] = st
	}

	fire := conditionsHold(rule.Conditions, metrics)

	if st.firing {
		resolved := false
		if len(rule.ResolveConditions) > 0 {
			resolved = conditionsHold(rule.ResolveConditions, metrics)
		} else {
			resolved = !fire
		}
		if !resolved {
			m.mu.Unlock()
			return Event{}, false
		}
		st.firing = false
		firedAt := st.firedAt
		m.mu.Unlock()

		m.logger.Info("alert resolved",
			"rule", rule.ID,
			"platform", metrics.Platform,
		)
		return Event{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Platform: metrics.Platform,
			Severity: rule.Severity,
			State:    StateResolved,
			FiredAt:  firedAt,
			Metrics:  metrics,
		}, true
	}

	if !fire {
		m.mu.Unlock()
		return Event{}, false
	}

	// Cooldown: suppress a re-fire too soon after the previous one.
	if !st.firedAt.IsZero() && now.Sub(st.firedAt) < rule.Cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown",
			"rule", rule.ID,
			"platform", metrics.Platform,
		)
		return Event{}, false
	}

	st.firing = true
	st.firedAt = now
	m.mu.Unlock()

	m.logger.Warn("alert firing",
		"rule", rule.ID,
		"platform", metrics.Platform,
		"severity", rule.Severity,
	)
	return Event{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Platform: metrics.Platform,
		Severity: rule.Severity,
		State:    StateFiring,
		FiredAt:  now,
		Metrics:  metrics,
	}, true
}

// Resolve manually clears the fire state for a (rule, platform) pair.
func (m *Manager) Resolve(ruleID string, platform chat.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[fireKey{rule: ruleID, platform: platform}]; ok {
		st.firing = false
	}
}

// Reset clears all fire state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[fireKey]*fireState)
}

// Active describes one currently-firing (rule, platform) pair.
type Active struct {
	RuleID   string
	Platform chat.Platform
	FiredAt  time.Time
}

// ActiveAlerts returns the currently-firing pairs, sorted for stable
// output.
func (m *Manager) ActiveAlerts() []Active {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Active
	for k, st := range m.states {
		if st.firing {
			out = append(out, Active{RuleID: k.rule, Platform: k.platform, FiredAt: st.firedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Platform < out[j].Platform
	})
	return out
}

func ruleApplies(rule Rule, platform chat.Platform) bool {
	if len(rule.Platforms) == 0 {
		return true
	}
	for _, p := range rule.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// conditionsHold evaluates the conjunction of conditions.
func conditionsHold(conds []Condition, metrics health.Metrics) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		v, ok := metricValue(metrics, c.Metric)
		if !ok {
			return false
		}
		if !compare(v, c.Op, c.Threshold) {
			return false
		}
	}
	return true
}

func compare(v float64, op Op, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGTE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLTE:
		return v <= threshold
	case OpEQ:
		return v == threshold
	default:
		return false
	}
}

// KnownMetric reports whether name is a metric that conditions can
// reference. Rules with unknown metrics never fire, so config loading
// rejects them up front.
func KnownMetric(name string) bool {
	_, ok := metricValue(health.Metrics{}, name)
	return ok
}

// metricValue resolves a metric name to its numeric value. Booleans
// coerce to 0/1; latencies are exposed in milliseconds.
func metricValue(m health.Metrics, name string) (float64, bool) {
	switch name {
	case "successRate":
		return m.SuccessRate, true
	case "errorRate":
		return m.ErrorRate, true
	case "avgLatencyMs":
		return float64(m.AvgLatency.Milliseconds()), true
	case "p99LatencyMs":
		return float64(m.P99Latency.Milliseconds()), true
	case "sampleCount":
		return float64(m.SampleCount), true
	case "connected":
		return boolValue(m.Connected), true
	case "suspectedDetection":
		return boolValue(m.SuspectedDetection), true
	case "captchaEncountered":
		return boolValue(m.CaptchaEncountered), true
	case "rateLimited":
		return boolValue(m.RateLimited), true
	default:
		return 0, false
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
