// Package version reports the build identity of rseata binaries.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/rseata"

// buildVersion is set via -ldflags "-X pkt.systems/rseata/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	Semver    string `json:"semver"`
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision,omitempty"`
	BuiltAt   string `json:"built_at,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

type vcsInfo struct {
	revision string
	time     time.Time
	modified bool
}

func readVCS(info *debug.BuildInfo) (vcsInfo, bool) {
	var v vcsInfo
	if info == nil {
		return v, false
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			v.revision = setting.Value
		case "vcs.time":
			if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				v.time = ts.UTC()
			}
		case "vcs.modified":
			v.modified = setting.Value == "true"
		}
	}
	return v, v.revision != "" && !v.time.IsZero()
}

// Current returns the ldflags version, the module version, a pseudo-version
// derived from VCS stamps, or v0.0.0-unknown, whichever is found first.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	vcs, ok := readVCS(info)
	if !ok {
		return "v0.0.0-unknown"
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + vcs.time.Format("20060102150405") + "-" + rev
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}

// Semver returns Current without pseudo-version and build suffixes.
func Semver() string {
	v := Current()
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	if strings.HasPrefix(v, "v0.0.0-") {
		return "v0.0.0"
	}
	return v
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Describe collects the full build identity.
func Describe() Info {
	out := Info{
		Module:    Module(),
		Version:   Current(),
		Semver:    Semver(),
		GoVersion: runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if vcs, ok := readVCS(info); ok {
			out.Revision = vcs.revision
			out.BuiltAt = vcs.time.Format(time.RFC3339)
			out.Modified = vcs.modified
		}
	}
	return out
}
