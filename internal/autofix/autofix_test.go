package autofix

import (
	"errors"
	"testing"
)

func testFix(mutate func(*Fix)) *Fix {
	fix := &Fix{
		ID:          "fix-1",
		Description: "null guard on session close",
		Confidence:  0.9,
		Patches: []Patch{
			{File: "session.go", OriginalCode: "old()", NewCode: "guarded()"},
		},
		Tests: []TestFile{{Path: "session_fix_test.go", Content: "package x"}},
	}
	if mutate != nil {
		mutate(fix)
	}
	return fix
}

func TestEvaluateDeployment(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Fix)
		threshold float64
		want      Strategy
	}{
		{"no patches is manual", func(f *Fix) { f.Patches = nil }, 0.5, StrategyManual},
		{"below floor is manual", func(f *Fix) { f.Confidence = 0.3 }, 0.2, StrategyManual},
		{"confident with tests is auto", nil, 0.8, StrategyAuto},
		{"confident without tests is staged", func(f *Fix) { f.Tests = nil }, 0.8, StrategyStaged},
		{"under threshold is staged", func(f *Fix) { f.Confidence = 0.6 }, 0.8, StrategyStaged},
		{"at threshold is auto", func(f *Fix) { f.Confidence = 0.8 }, 0.8, StrategyAuto},
		{"floor beats low threshold", func(f *Fix) { f.Confidence = 0.39 }, 0.1, StrategyManual},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := EvaluateDeployment(testFix(tc.mutate), tc.threshold)
			if plan.Strategy != tc.want {
				t.Errorf("strategy = %s (%s), want %s", plan.Strategy, plan.Reason, tc.want)
			}
			if plan.Reason == "" {
				t.Error("empty reason")
			}
		})
	}
}

func TestValidateFix(t *testing.T) {
	if err := ValidateFix(testFix(nil)); err != nil {
		t.Errorf("valid fix rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Fix)
	}{
		{"missing id", func(f *Fix) { f.ID = "" }},
		{"confidence above one", func(f *Fix) { f.Confidence = 1.2 }},
		{"patch without file", func(f *Fix) { f.Patches[0].File = "" }},
		{"patch without original", func(f *Fix) { f.Patches[0].OriginalCode = "" }},
		{"identity patch", func(f *Fix) { f.Patches[0].NewCode = f.Patches[0].OriginalCode }},
		{"test without path", func(f *Fix) { f.Tests[0].Path = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFix(testFix(tc.mutate))
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestRolloutTrackerAuto(t *testing.T) {
	tracker := NewRolloutTracker(StrategyAuto)
	if tracker.Current() != 0 || tracker.Complete() {
		t.Errorf("fresh tracker: current=%d complete=%t", tracker.Current(), tracker.Complete())
	}

	stage, advanced := tracker.Advance()
	if stage != 100 || !advanced {
		t.Errorf("first advance = %d, %t", stage, advanced)
	}
	if !tracker.Complete() {
		t.Error("not complete at 100")
	}

	stage, advanced = tracker.Advance()
	if stage != 100 || advanced {
		t.Errorf("advance past final = %d, %t", stage, advanced)
	}
}

func TestRolloutTrackerStaged(t *testing.T) {
	tracker := NewRolloutTracker(StrategyStaged)

	want := []int{10, 50, 100}
	for _, expected := range want {
		stage, advanced := tracker.Advance()
		if stage != expected || !advanced {
			t.Fatalf("advance = %d, %t, want %d", stage, advanced, expected)
		}
		if complete := tracker.Complete(); complete != (expected == 100) {
			t.Errorf("complete at %d%% = %t", expected, complete)
		}
	}

	if stage, advanced := tracker.Advance(); stage != 100 || advanced {
		t.Errorf("sticky advance = %d, %t", stage, advanced)
	}
}

func TestRolloutTrackerManual(t *testing.T) {
	tracker := NewRolloutTracker(StrategyManual)
	if stage, advanced := tracker.Advance(); stage != 0 || advanced {
		t.Errorf("manual advance = %d, %t", stage, advanced)
	}
	if tracker.Complete() {
		t.Error("manual tracker complete")
	}
}
