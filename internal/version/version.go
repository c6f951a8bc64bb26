// Package version provides build-time version information for argus.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/argus/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/argus/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/argus/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Builds without ldflags fall back to the VCS stamp the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version. Prereleases use "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "argus"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

var (
	vcsOnce     sync.Once
	vcsRevision string
	vcsTime     string
	vcsModified bool
)

func readVCS() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			vcsRevision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			vcsModified = s.Value == "true"
		}
	}
}

// GetInfo returns all version information, filling the commit and date from
// the embedded VCS stamp when ldflags did not set them.
func GetInfo() Info {
	vcsOnce.Do(readVCS)

	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if info.Commit == "unknown" && vcsRevision != "" {
		info.Commit = vcsRevision
		info.Modified = vcsModified
	}
	if info.Date == "unknown" && vcsTime != "" {
		info.Date = vcsTime
	}
	return info
}

func shortCommit(c string) string {
	if len(c) >= 8 {
		return c[:8]
	}
	return c
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if info.Commit != "unknown" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, shortCommit(info.Commit), info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns a short version string for cobra's --version output.
func Short() string {
	info := GetInfo()
	if info.Commit != "unknown" {
		return fmt.Sprintf("%s (%s)", info.Version, shortCommit(info.Commit))
	}
	return info.Version
}

// IsSnapshot returns true for development and prerelease builds.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}
