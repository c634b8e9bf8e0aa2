// Package autofix decides how generated fixes roll out: deployment
// strategy evaluation, staged rollout tracking, patch application with
// test-gated revert, and forge reporting of the outcome.
package autofix

import "fmt"

// Patch replaces one code fragment in one file.
type Patch struct {
	File         string `json:"file"`
	OriginalCode string `json:"originalCode"`
	NewCode      string `json:"newCode"`
}

// TestFile is a test written alongside a fix.
type TestFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Fix is a generated remediation candidate.
type Fix struct {
	ID          string     `json:"id"`
	Platform    string     `json:"platform,omitempty"`
	Description string     `json:"description"`
	Confidence  float64    `json:"confidence"`
	Patches     []Patch    `json:"patches"`
	Tests       []TestFile `json:"tests,omitempty"`
}

// Strategy is how a fix reaches production.
type Strategy string

// Deployment strategies.
const (
	StrategyAuto   Strategy = "auto"
	StrategyStaged Strategy = "staged"
	StrategyManual Strategy = "manual"
)

// DeploymentPlan is the outcome of evaluating a fix.
type DeploymentPlan struct {
	Strategy Strategy
	Reason   string
}

// confidenceFloor is the level below which no automated deployment is
// attempted regardless of threshold.
const confidenceFloor = 0.4

// EvaluateDeployment picks a rollout strategy for a fix. Fixes without
// patches or below the confidence floor always go to a human; fixes at
// or above the threshold that ship their own tests deploy directly;
// everything else rolls out in stages.
func EvaluateDeployment(fix *Fix, threshold float64) DeploymentPlan {
	switch {
	case len(fix.Patches) == 0:
		return DeploymentPlan{Strategy: StrategyManual, Reason: "no patches to apply"}
	case fix.Confidence < confidenceFloor:
		return DeploymentPlan{
			Strategy: StrategyManual,
			Reason:   fmt.Sprintf("confidence %.2f below floor %.2f", fix.Confidence, confidenceFloor),
		}
	case fix.Confidence >= threshold && len(fix.Tests) > 0:
		return DeploymentPlan{
			Strategy: StrategyAuto,
			Reason:   fmt.Sprintf("confidence %.2f meets threshold %.2f with tests", fix.Confidence, threshold),
		}
	default:
		return DeploymentPlan{Strategy: StrategyStaged, Reason: "confidence or test coverage insufficient for direct deploy"}
	}
}

// ValidationError reports a structurally invalid fix.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fix: %s: %s", e.Field, e.Reason)
}

// ValidateFix checks a fix before any file is touched.
func ValidateFix(fix *Fix) error {
	if fix.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if fix.Confidence < 0 || fix.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	for i, p := range fix.Patches {
		if p.File == "" {
			return &ValidationError{Field: fmt.Sprintf("patches[%d].file", i), Reason: "required"}
		}
		if p.OriginalCode == "" {
			return &ValidationError{Field: fmt.Sprintf("patches[%d].originalCode", i), Reason: "required"}
		}
		if p.OriginalCode == p.NewCode {
			return &ValidationError{Field: fmt.Sprintf("patches[%d]", i), Reason: "original and new code are identical"}
		}
	}
	for i, tf := range fix.Tests {
		if tf.Path == "" {
			return &ValidationError{Field: fmt.Sprintf("tests[%d].path", i), Reason: "required"}
		}
	}
	return nil
}
