package behaviour

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// at builds a clock pinned to the given hour of day.
func clockAt(hour int) *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC)}
}

// seq returns a Rand func yielding the given values in order, then 0.
func seq(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		if i >= len(values) {
			return 0
		}
		v := values[i]
		i++
		return v
	}
}

func TestPeriodOf(t *testing.T) {
	cases := []struct {
		hour int
		want DayPeriod
	}{
		{6, Morning}, {11, Morning},
		{12, Afternoon}, {17, Afternoon},
		{18, Evening}, {22, Evening},
		{23, Night}, {0, Night}, {5, Night},
	}
	for _, tc := range cases {
		if got := PeriodOf(tc.hour); got != tc.want {
			t.Errorf("PeriodOf(%d) = %s, want %s", tc.hour, got, tc.want)
		}
	}
}

func TestInitialState(t *testing.T) {
	m := New(Config{Rand: seq(0.5), Now: clockAt(10).now})
	if got := m.State(); got != StateIdle {
		t.Errorf("initial state = %s, want idle", got)
	}
	// Idle range is 2s–30s; rand 0.5 samples the midpoint.
	if got := m.Dwell(); got != 16*time.Second {
		t.Errorf("initial dwell = %v, want 16s", got)
	}
}

func TestDwellScale(t *testing.T) {
	m := New(Config{Scale: 2.0, Rand: seq(0), Now: clockAt(10).now})
	// Idle min 2s × scale 2 = 4s.
	if got := m.Dwell(); got != 4*time.Second {
		t.Errorf("scaled dwell = %v, want 4s", got)
	}
}

func TestTickBeforeDwellElapsedIsNoop(t *testing.T) {
	clock := clockAt(10)
	m := New(Config{Rand: seq(0.5), Now: clock.now})

	clock.advance(time.Second)
	if err := m.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := m.State(); got != StateIdle {
		t.Errorf("state after early tick = %s, want idle", got)
	}
}

func TestTickTransitionsAfterDwell(t *testing.T) {
	clock := clockAt(10)
	// First rand samples the idle dwell (0 → minimum 2s); second picks
	// the transition target; third samples the new dwell.
	//
	// Morning multipliers on idle's edges give: idle 2, active 3.9,
	// away 0.7, scrolling 2 (total 8.6). Pick 0.5 lands in the active
	// band.
	m := New(Config{Rand: seq(0, 0.5, 0), Now: clock.now})

	clock.advance(2 * time.Second)
	if err := m.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := m.State(); got != StateActive {
		t.Errorf("state after dwell elapsed = %s, want active", got)
	}
}

func TestTickDisallowedWhileRunning(t *testing.T) {
	m := New(Config{})
	m.Start()
	defer m.Stop()

	if err := m.Tick(); err != ErrRunning {
		t.Errorf("Tick while running = %v, want ErrRunning", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	m := New(Config{})
	m.Start()
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Error("machine still running after Stop")
	}
}

func TestForceTransition(t *testing.T) {
	clock := clockAt(14)
	m := New(Config{Rand: seq(0.5, 0.5), Now: clock.now})

	var got []Transition
	unsub := m.OnTransition(func(tr Transition) { got = append(got, tr) })
	defer unsub()

	m.ForceTransition(StateAway)

	if m.State() != StateAway {
		t.Errorf("state = %s, want away", m.State())
	}
	if len(got) != 1 {
		t.Fatalf("listener notified %d times, want 1", len(got))
	}
	if got[0].From != StateIdle || got[0].To != StateAway {
		t.Errorf("transition = %s→%s, want idle→away", got[0].From, got[0].To)
	}
	if got[0].Dwell <= 0 {
		t.Error("forced transition did not resample dwell")
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	m := New(Config{})
	calls := 0
	unsub := m.OnTransition(func(Transition) { calls++ })

	m.ForceTransition(StateActive)
	unsub()
	m.ForceTransition(StateIdle)

	if calls != 1 {
		t.Errorf("listener calls = %d, want 1", calls)
	}
}

func TestTimeOfDayModulation(t *testing.T) {
	// At night the away multiplier (3.0) dominates idle's outgoing
	// edges. With rand just below the away share, the pick lands on
	// away far more often than the raw weights would produce.
	//
	// idle edges: active 3, scrolling 2, away 1, idle 2 — night
	// multipliers: active ×0.3, scrolling ×0.3, away ×3.0, idle ×1.5.
	// Modified: active 0.9, scrolling 0.6, away 3.0, idle 3.0.
	// Canonical order: idle, active, away, scrolling.
	// Cumulative: idle 3.0, active 3.9, away 6.9, scrolling 7.5.
	clock := clockAt(2)
	m := New(Config{
		Rand: seq(
			0.5,       // initial dwell
			6.0 / 7.5, // pick: lands in away band (3.9, 6.9]
			0.5,       // new dwell
		),
		Now: clock.now,
	})

	clock.advance(time.Hour)
	if err := m.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := m.State(); got != StateAway {
		t.Errorf("night transition = %s, want away", got)
	}
}

func TestZeroCollapseFallsBackToRawWeights(t *testing.T) {
	clock := clockAt(2)
	m := New(Config{
		Weights: map[State]map[State]float64{
			StateIdle:   {StateActive: 1},
			StateActive: {StateIdle: 1},
		},
		TimeOfDay: map[DayPeriod]map[State]float64{
			Night: {StateActive: 0}, // collapses idle's only edge
		},
		Rand: seq(0, 0.5, 0),
		Now:  clock.now,
	})

	clock.advance(time.Hour)
	if err := m.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := m.State(); got != StateActive {
		t.Errorf("fallback transition = %s, want active (raw weights)", got)
	}
}

func TestDeterministicGivenSeed(t *testing.T) {
	run := func() []State {
		clock := clockAt(9)
		m := New(Config{Rand: seq(0.3, 0.6, 0.2, 0.8, 0.1, 0.4, 0.9, 0.5), Now: clock.now})
		states := []State{m.State()}
		for range 3 {
			clock.advance(3 * time.Minute)
			if err := m.Tick(); err != nil {
				t.Fatalf("Tick: %v", err)
			}
			states = append(states, m.State())
		}
		return states
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("run diverged at step %d: %s vs %s", i, a[i], b[i])
		}
	}
}
