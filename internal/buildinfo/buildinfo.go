// Package buildinfo identifies the running modelgate binary. Release
// builds stamp Version, GitCommit, and BuildTime with -ldflags "-X";
// a plain `go build` reports the "dev" placeholders instead.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// String is the startup banner: name, version, commit, build time.
func String() string {
	return fmt.Sprintf("modelgate %s (%s) built %s", Version, GitCommit, BuildTime)
}

// Info flattens the stamped values plus the Go runtime details into a
// map, the shape the version subcommand's JSON output wants.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(started).Truncate(time.Second).String(),
	}
}
