package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Set at build time with -ldflags, for example
	// -X github.com/lkarlslund/chatrelay/pkg/version.Version=v0.3.0
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
	Go      string `json:"go"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
		Go:      runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Dirty = info.Dirty || s.Value == "true"
		}
	}
	return info
}

// String is the short form: version, then a 12 character commit and a dirty
// marker when known, joined by "+".
func String() string {
	v := Current()
	parts := []string{v.Version}
	if v.Commit != "" {
		parts = append(parts, v.Commit[:min(12, len(v.Commit))])
	}
	if v.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func Detailed(component string) string {
	if strings.TrimSpace(component) == "" {
		component = "chatrelay"
	}
	v := Current()
	out := fmt.Sprintf("%s %s (%s)", component, String(), v.Go)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent identifies outbound requests made by component.
func UserAgent(component string) string {
	if strings.TrimSpace(component) == "" {
		component = "chatrelay"
	}
	return component + "/" + String()
}
