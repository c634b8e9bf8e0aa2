package autofix

// RolloutTracker walks a fix through its traffic percentages. Auto
// deployments go straight to full traffic; staged ones step through
// 10, 50, and 100 percent. Manual strategies have no automated stages.
type RolloutTracker struct {
	stages []int
	index  int // -1 before the first advance
}

// NewRolloutTracker creates a tracker for the given strategy.
func NewRolloutTracker(strategy Strategy) *RolloutTracker {
	var stages []int
	switch strategy {
	case StrategyAuto:
		stages = []int{100}
	case StrategyStaged:
		stages = []int{10, 50, 100}
	}
	return &RolloutTracker{stages: stages, index: -1}
}

// Current returns the traffic percentage of the current stage, or 0
// before the first advance.
func (t *RolloutTracker) Current() int {
	if t.index < 0 || len(t.stages) == 0 {
		return 0
	}
	return t.stages[t.index]
}

// Advance moves to the next stage and returns it. Once the final stage
// is reached the tracker stays there and reports advanced=false.
func (t *RolloutTracker) Advance() (stage int, advanced bool) {
	if len(t.stages) == 0 {
		return 0, false
	}
	if t.index+1 >= len(t.stages) {
		return t.stages[len(t.stages)-1], false
	}
	t.index++
	return t.stages[t.index], true
}

// Complete reports whether the rollout has reached full traffic.
func (t *RolloutTracker) Complete() bool {
	return t.Current() == 100
}
