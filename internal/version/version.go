// Package version хранит данные сборки, которые проставляются через -ldflags.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build описывает собранный бинарник.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает данные сборки. Без -ldflags commit и date берутся
// из VCS-меток, которые go build записывает в бинарник.
func Current() Build {
	b := Build{Version: version, Commit: commit, Date: date}
	if b.Commit != "" && b.Date != "" {
		return b
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = fillFromSettings(b, info.Settings)
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

func fillFromSettings(b Build, settings []debug.BuildSetting) Build {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "" {
				b.Date = s.Value
			}
		}
	}
	return b
}

// Version возвращает номер версии, например для health-ответа.
func Version() string { return version }

func String() string {
	b := Current()
	return fmt.Sprintf("ordercore version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}
