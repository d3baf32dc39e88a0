// This file contains build information and initialization logic.
// It sets up variables for versioning, commit hash, build time and start time; all of them can be overridden with
// -ldflags "-X github.com/nobletooth/memo/pkg/utils.Version=v1.2.3".
// CAUTION: This file shouldn't be removed or else the build flags wouldn't be set properly.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// Local builds are tagged as a development pre-release so the version stays semantic.
	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
