// Package version описывает сборку Order Engine. Значения проставляются через -ldflags,
// для go install берутся из debug.BuildInfo.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

const unknown = "unknown"

// Build — сведения о собранном бинарнике.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

// Get собирает сведения о текущей сборке.
func Get() Build {
	build := Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if build.Commit == "" {
					build.Commit = setting.Value
				}
			case "vcs.time":
				if build.Date == "" {
					build.Date = setting.Value
				}
			}
		}
	}
	if build.Commit == "" {
		build.Commit = unknown
	}
	if build.Date == "" {
		build.Date = unknown
	}
	return build
}

// ShortCommit обрезает хэш коммита до семи символов.
func (b Build) ShortCommit() string {
	if len(b.Commit) > 7 && b.Commit != unknown {
		return b.Commit[:7]
	}
	return b.Commit
}

func (b Build) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", b.Version, b.ShortCommit(), b.Date, b.GoVersion)
}
