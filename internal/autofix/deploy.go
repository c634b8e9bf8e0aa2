package autofix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// CommandRunner executes the test command and reports its exit code
// and combined output. Injected so deployments are testable without a
// shell.
type CommandRunner func(ctx context.Context, command string) (exitCode int, output string, err error)

// PatchApplicationError reports a patch whose original code could not
// be located in the target file.
type PatchApplicationError struct {
	File   string
	Reason string
}

func (e *PatchApplicationError) Error() string {
	return fmt.Sprintf("apply patch to %s: %s", e.File, e.Reason)
}

// DeployResult is the outcome of one ExecuteDeploy run.
type DeployResult struct {
	Deployed bool
	Stage    int
	Output   string
}

// Deployer applies fixes to the working tree, gates them on the test
// command, and reverts on failure.
type Deployer struct {
	runner    CommandRunner
	readFile  func(string) ([]byte, error)
	writeFile func(string, []byte) error
	logger    *slog.Logger
}

// NewDeployer creates a deployer using the real filesystem.
func NewDeployer(runner CommandRunner, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		runner:   runner,
		readFile: os.ReadFile,
		writeFile: func(path string, data []byte) error {
			return os.WriteFile(path, data, 0644)
		},
		logger: logger,
	}
}

// appliedPatch remembers the pre-patch content so a failed deploy can
// be unwound.
type appliedPatch struct {
	file     string
	original []byte
}

// ExecuteDeploy applies the fix's patches, writes its test files, runs
// the test command, and either advances the rollout (exit 0) or
// reverts every patched file in reverse order (non-zero exit or run
// failure).
func (d *Deployer) ExecuteDeploy(ctx context.Context, fix *Fix, testCommand string, tracker *RolloutTracker) (*DeployResult, error) {
	if err := ValidateFix(fix); err != nil {
		return nil, err
	}

	var applied []appliedPatch
	for _, patch := range fix.Patches {
		content, err := d.readFile(patch.File)
		if err != nil {
			d.revert(applied)
			return nil, fmt.Errorf("read %s: %w", patch.File, err)
		}
		if !strings.Contains(string(content), patch.OriginalCode) {
			d.revert(applied)
			return nil, &PatchApplicationError{File: patch.File, Reason: "original code not found"}
		}

		patched := strings.Replace(string(content), patch.OriginalCode, patch.NewCode, 1)
		if err := d.writeFile(patch.File, []byte(patched)); err != nil {
			d.revert(applied)
			return nil, fmt.Errorf("write %s: %w", patch.File, err)
		}
		applied = append(applied, appliedPatch{file: patch.File, original: content})
	}

	for _, tf := range fix.Tests {
		if err := d.writeFile(tf.Path, []byte(tf.Content)); err != nil {
			d.revert(applied)
			return nil, fmt.Errorf("write test %s: %w", tf.Path, err)
		}
	}

	exitCode, output, err := d.runner(ctx, testCommand)
	if err != nil {
		d.revert(applied)
		return nil, fmt.Errorf("run tests: %w", err)
	}
	if exitCode != 0 {
		d.logger.Warn("deploy tests failed, reverting", "fix", fix.ID, "exit_code", exitCode)
		d.revert(applied)
		return &DeployResult{Deployed: false, Output: output},
			fmt.Errorf("tests failed with exit code %d", exitCode)
	}

	stage, _ := tracker.Advance()
	d.logger.Info("fix deployed", "fix", fix.ID, "stage", stage)
	return &DeployResult{Deployed: true, Stage: stage, Output: output}, nil
}

// revert restores captured contents newest-first.
func (d *Deployer) revert(applied []appliedPatch) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := d.writeFile(applied[i].file, applied[i].original); err != nil {
			d.logger.Error("revert failed", "file", applied[i].file, "error", err)
		}
	}
}
