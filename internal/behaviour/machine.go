// Package behaviour models human-like user presence as a weighted
// state machine. States carry sampled dwell durations; transition
// weights are modulated by time of day so the simulated user reads and
// replies like a person would across a day. The webchat adapter and
// the human-response simulator consume the current state to pace their
// actions.
package behaviour

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// State is a behavioural state. Distinct from the backend lifecycle
// states in the whatsapp package.
type State string

// Behavioural states.
const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateReading   State = "reading"
	StateThinking  State = "thinking"
	StateAway      State = "away"
	StateScrolling State = "scrolling"
)

// DayPeriod buckets the clock into four activity periods.
type DayPeriod string

// Day periods. Hour ranges are inclusive: morning 6–11, afternoon
// 12–17, evening 18–22, night 23–5.
const (
	Morning   DayPeriod = "morning"
	Afternoon DayPeriod = "afternoon"
	Evening   DayPeriod = "evening"
	Night     DayPeriod = "night"
)

// PeriodOf maps an hour of day (0–23) to its period.
func PeriodOf(hour int) DayPeriod {
	switch {
	case hour >= 6 && hour <= 11:
		return Morning
	case hour >= 12 && hour <= 17:
		return Afternoon
	case hour >= 18 && hour <= 22:
		return Evening
	default:
		return Night
	}
}

// DwellRange bounds how long the machine stays in a state before
// sampling a transition.
type DwellRange struct {
	Min time.Duration
	Max time.Duration
}

// DefaultDwell returns the default per-state dwell ranges.
func DefaultDwell() map[State]DwellRange {
	return map[State]DwellRange{
		StateIdle:      {2 * time.Second, 30 * time.Second},
		StateActive:    {10 * time.Second, 120 * time.Second},
		StateReading:   {3 * time.Second, 45 * time.Second},
		StateThinking:  {1 * time.Second, 10 * time.Second},
		StateAway:      {5 * time.Minute, 30 * time.Minute},
		StateScrolling: {5 * time.Second, 60 * time.Second},
	}
}

// DefaultWeights returns the default transition weight matrix. Every
// state has a positive total outgoing weight.
func DefaultWeights() map[State]map[State]float64 {
	return map[State]map[State]float64{
		StateIdle: {
			StateActive:    3,
			StateScrolling: 2,
			StateAway:      1,
			StateIdle:      2,
		},
		StateActive: {
			StateReading:  3,
			StateThinking: 2,
			StateIdle:     2,
			StateAway:     0.5,
		},
		StateReading: {
			StateThinking:  3,
			StateActive:    2,
			StateScrolling: 1,
			StateIdle:      1,
		},
		StateThinking: {
			StateActive:  4,
			StateReading: 1,
			StateIdle:    1,
		},
		StateAway: {
			StateIdle:   4,
			StateActive: 1,
		},
		StateScrolling: {
			StateReading: 3,
			StateIdle:    2,
			StateAway:    1,
		},
	}
}

// DefaultTimeOfDay returns the default per-period target-weight
// multipliers. Night suppresses activity and favours being away;
// morning and evening favour engagement.
func DefaultTimeOfDay() map[DayPeriod]map[State]float64 {
	return map[DayPeriod]map[State]float64{
		Morning: {
			StateActive:  1.3,
			StateReading: 1.2,
			StateAway:    0.7,
		},
		Afternoon: {
			StateActive:    1.0,
			StateScrolling: 1.2,
		},
		Evening: {
			StateActive:    1.4,
			StateReading:   1.3,
			StateScrolling: 1.3,
			StateAway:      0.6,
		},
		Night: {
			StateActive:    0.3,
			StateReading:   0.4,
			StateScrolling: 0.3,
			StateAway:      3.0,
			StateIdle:      1.5,
		},
	}
}

// Transition describes a completed state change.
type Transition struct {
	From  State
	To    State
	Dwell time.Duration // dwell sampled for the new state
}

// Listener receives transition notifications. Listeners run
// synchronously on the transitioning goroutine.
type Listener func(Transition)

// ErrRunning is returned by Tick while the internal timer is active.
var ErrRunning = errors.New("behaviour: Tick not allowed while running in timer mode")

// Config parametrises a Machine. Zero-value fields fall back to the
// defaults above; Rand and Now are injectable for deterministic tests.
type Config struct {
	// Scale multiplies every dwell range. <= 0 means 1.0.
	Scale float64

	Dwell     map[State]DwellRange
	Weights   map[State]map[State]float64
	TimeOfDay map[DayPeriod]map[State]float64

	// Rand returns a uniform value in [0,1).
	Rand func() float64
	// Now supplies the clock.
	Now func() time.Time
}

// Machine is the behavioural state machine. It starts in StateIdle and
// supports two operating modes: the host driving it with periodic
// Tick calls, or Start running an internal one-shot timer per dwell.
type Machine struct {
	scale     float64
	dwell     map[State]DwellRange
	weights   map[State]map[State]float64
	timeOfDay map[DayPeriod]map[State]float64
	random    func() float64
	now       func() time.Time

	mu        sync.Mutex
	state     State
	enteredAt time.Time
	current   time.Duration // sampled dwell for the current state
	running   bool
	timer     *time.Timer
	nextSub   int
	listeners map[int]Listener
}

// New creates a machine in StateIdle with a freshly sampled dwell.
func New(cfg Config) *Machine {
	if cfg.Scale <= 0 {
		cfg.Scale = 1.0
	}
	if cfg.Dwell == nil {
		cfg.Dwell = DefaultDwell()
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.TimeOfDay == nil {
		cfg.TimeOfDay = DefaultTimeOfDay()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Machine{
		scale:     cfg.Scale,
		dwell:     cfg.Dwell,
		weights:   cfg.Weights,
		timeOfDay: cfg.TimeOfDay,
		random:    cfg.Rand,
		now:       cfg.Now,
		state:     StateIdle,
		listeners: make(map[int]Listener),
	}
	m.enteredAt = m.now()
	m.current = m.sampleDwell(StateIdle)
	return m
}

// State returns the current behavioural state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dwell returns the dwell sampled for the current state.
func (m *Machine) Dwell() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnTransition registers a listener and returns an unsubscribe handle.
func (m *Machine) OnTransition(fn Listener) func() {
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

// Tick advances the machine in host-driven mode: when the elapsed time
// in the current state has reached its dwell, a weighted transition is
// taken. Returns ErrRunning while the internal timer is active.
func (m *Machine) Tick() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunning
	}
	if m.now().Sub(m.enteredAt) < m.current {
		m.mu.Unlock()
		return nil
	}
	tr := m.transitionLocked(m.pickNextLocked())
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	notify(listeners, tr)
	return nil
}

// Start switches to timer mode: a one-shot timer fires per dwell and
// takes the next transition. No-op when already running.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	remaining := m.current - m.now().Sub(m.enteredAt)
	if remaining < 0 {
		remaining = 0
	}
	m.timer = time.AfterFunc(remaining, m.timerFired)
}

// Stop cancels the internal timer and returns to host-driven mode.
// Idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Running reports whether the internal timer is active.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ForceTransition immediately moves the machine to target, resamples
// the dwell, and notifies listeners. In timer mode the pending timer
// is replaced with one for the new dwell.
func (m *Machine) ForceTransition(target State) {
	m.mu.Lock()
	tr := m.transitionLocked(target)
	if m.running {
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timer = time.AfterFunc(tr.Dwell, m.timerFired)
	}
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	notify(listeners, tr)
}

// timerFired is the timer-mode callback: transition and re-arm.
func (m *Machine) timerFired() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	tr := m.transitionLocked(m.pickNextLocked())
	m.timer = time.AfterFunc(tr.Dwell, m.timerFired)
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	notify(listeners, tr)
}

// transitionLocked switches to target, resampling the dwell. Caller
// holds m.mu.
func (m *Machine) transitionLocked(target State) Transition {
	from := m.state
	m.state = target
	m.enteredAt = m.now()
	m.current = m.sampleDwell(target)
	return Transition{From: from, To: target, Dwell: m.current}
}

// pickNextLocked selects the next state by weighted choice with the
// time-of-day multiplier applied per target. If every modified weight
// collapses to zero, the raw weights are used. Caller holds m.mu.
func (m *Machine) pickNextLocked() State {
	edges := m.weights[m.state]
	if len(edges) == 0 {
		return m.state
	}

	period := PeriodOf(m.now().Hour())
	multipliers := m.timeOfDay[period]

	// Stable iteration order keeps the weighted pick deterministic
	// under an injected Rand.
	targets := orderedTargets(edges)

	modified := make([]float64, len(targets))
	var total float64
	for i, target := range targets {
		w := edges[target]
		if mult, ok := multipliers[target]; ok {
			w *= mult
		}
		modified[i] = w
		total += w
	}

	if total <= 0 {
		for i, target := range targets {
			modified[i] = edges[target]
			total += modified[i]
		}
	}

	pick := m.random() * total
	for i, target := range targets {
		pick -= modified[i]
		if pick < 0 {
			return target
		}
	}
	return targets[len(targets)-1]
}

// sampleDwell draws uniformly from the scaled dwell range of s.
func (m *Machine) sampleDwell(s State) time.Duration {
	r, ok := m.dwell[s]
	if !ok {
		return time.Duration(float64(10*time.Second) * m.scale)
	}
	min := time.Duration(float64(r.Min) * m.scale)
	max := time.Duration(float64(r.Max) * m.scale)
	if max <= min {
		return min
	}
	return min + time.Duration(m.random()*float64(max-min))
}

func (m *Machine) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []Listener, tr Transition) {
	for _, fn := range listeners {
		fn(tr)
	}
}

// orderedTargets returns edge targets in a fixed canonical order.
func orderedTargets(edges map[State]float64) []State {
	order := []State{StateIdle, StateActive, StateReading, StateThinking, StateAway, StateScrolling}
	out := make([]State, 0, len(edges))
	for _, s := range order {
		if _, ok := edges[s]; ok {
			out = append(out, s)
		}
	}
	// Platform-driven substates fall outside the canonical set; append
	// them last in map order.
	if len(out) != len(edges) {
		for s := range edges {
			if !contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}

func contains(list []State, s State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
