// Package version reports the build identity of the contextd binary.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/contextd/contextd/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build identity as a map for status endpoints.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String formats the build identity on one line.
func String() string {
	commit := GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("contextd %s (commit %s, built %s, %s)", Version, commit, BuildTime, GoVersion)
}
