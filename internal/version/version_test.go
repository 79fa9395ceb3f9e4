package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestOverrideWins(t *testing.T) {
	info := fromBuildInfo(&debug.BuildInfo{Main: debug.Module{Version: "v0.9.0"}}, "v1.2.3+dirty")
	if info.Version != "v1.2.3" {
		t.Fatalf("expected override without dirty suffix, got %q", info.Version)
	}
}

func TestPseudoVersionFromVCS(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	info := fromBuildInfo(&debug.BuildInfo{
		GoVersion: "go1.25.2",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}, "")
	if want := "v0.0.0-20250102030405-1234567890ab"; info.Version != want {
		t.Fatalf("unexpected version: want %q got %q", want, info.Version)
	}
	if want := "vkstream v0.0.0-20250102030405-1234567890ab (1234567890ab, modified) go1.25.2"; info.String() != want {
		t.Fatalf("unexpected string:\nwant %q\ngot  %q", want, info.String())
	}
}

func TestUnknownWithoutBuildInfo(t *testing.T) {
	info := fromBuildInfo(nil, "")
	if info.Version != unknown {
		t.Fatalf("expected %q, got %q", unknown, info.Version)
	}
	if info.String() != "vkstream "+unknown {
		t.Fatalf("unexpected string %q", info.String())
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "vkstream/v") {
		t.Fatalf("unexpected user agent %q", ua)
	}
}
