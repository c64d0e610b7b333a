// Package version provides build and version information for codeglyph.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version of codeglyph.
// Set via ldflags at build time, or defaults to dev.
// GoReleaser sets: -X github.com/codeglyph/codeglyph/pkg/version.Version={{.Version}}
// Makefile sets: -X github.com/codeglyph/codeglyph/pkg/version.Version=$(VERSION) from VERSION file
var Version = "dev"

// Build information set via ldflags at build time.
// GoReleaser sets these via ldflags.
var (
	// Commit is the git commit hash.
	// GoReleaser sets: -X github.com/codeglyph/codeglyph/pkg/version.Commit={{.ShortCommit}}
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	// GoReleaser sets: -X github.com/codeglyph/codeglyph/pkg/version.Date={{.Date}}
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// ProtocolVersion is the daemon JSON-RPC protocol revision this build
// speaks. A client should refuse to talk to a daemon reporting a higher
// ProtocolVersion than it understands rather than guess at compatibility.
const ProtocolVersion = 1

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	Date            string `json:"date"`
	GoVersion       string `json:"go_version"`
	OS              string `json:"os"`
	Arch            string `json:"arch"`
	ProtocolVersion int    `json:"protocol_version"`
}

// String returns a formatted version string with all build info.
func String() string {
	return fmt.Sprintf("codeglyph %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns just the version string.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:         Version,
		Commit:          Commit,
		Date:            Date,
		GoVersion:       GoVersion,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		ProtocolVersion: ProtocolVersion,
	}
}
