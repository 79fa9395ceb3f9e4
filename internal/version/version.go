// Package version reports the vkstream build.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Name is the program name used in the user agent.
const Name = "vkstream"

const unknown = "v0.0.0-unknown"

// buildVersion is set via -ldflags "-X pkt.systems/vkstream/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Read collects build details. Missing VCS data leaves fields empty.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// String renders the info for the version command.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(Name + " " + i.Version)
	if i.Revision != "" {
		fmt.Fprintf(&b, " (%s", short(i.Revision))
		if i.Modified {
			b.WriteString(", modified")
		}
		b.WriteString(")")
	}
	if i.GoVersion != "" {
		b.WriteString(" " + i.GoVersion)
	}
	return b.String()
}

// UserAgent is sent on every backend request.
func UserAgent() string {
	return Name + "/" + Read().Version
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	var out Info
	var vcsTime string
	if info != nil {
		out.GoVersion = info.GoVersion
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				vcsTime = setting.Value
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(override), "+dirty")
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	default:
		out.Version = pseudoVersion(out.Revision, vcsTime)
	}
	return out
}

func pseudoVersion(revision, vcsTime string) string {
	if revision == "" || vcsTime == "" {
		return unknown
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return unknown
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + short(revision)
}

func short(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}
