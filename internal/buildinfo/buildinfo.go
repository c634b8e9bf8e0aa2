// Package buildinfo exposes the version metadata stamped into the
// binary, for the version subcommand and startup banner.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the release build via -ldflags -X; a plain go build
// leaves the dev defaults.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime reports how long the process has been running, rounded to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String renders the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("meshline %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
