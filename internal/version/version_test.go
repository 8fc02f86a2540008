package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestCurrentNeverEmpty(t *testing.T) {
	if strings.TrimSpace(Current()) == "" {
		t.Fatal("expected a version string")
	}
}

func TestSemverStripsSuffixes(t *testing.T) {
	orig := buildVersion
	t.Cleanup(func() { buildVersion = orig })
	cases := map[string]string{
		"v1.2.3":                             "v1.2.3",
		"v1.2.3+dirty":                       "v1.2.3",
		"v0.0.0-20250101000000-abcdef123456": "v0.0.0",
	}
	for in, want := range cases {
		buildVersion = in
		if got := Semver(); got != want {
			t.Fatalf("Semver(%q)=%q want %q", in, got, want)
		}
	}
}

func TestModuleFallback(t *testing.T) {
	if Module() == "" {
		t.Fatal("expected module path")
	}
}

func TestReadVCS(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	vcs, ok := readVCS(info)
	if !ok || vcs.revision != "0123456789abcdef" || !vcs.modified {
		t.Fatalf("unexpected vcs %+v ok=%v", vcs, ok)
	}
	if _, ok := readVCS(&debug.BuildInfo{}); ok {
		t.Fatal("expected missing stamps to be rejected")
	}
}

func TestDescribeMatchesAccessors(t *testing.T) {
	info := Describe()
	if info.Version != Current() || info.Semver != Semver() || info.Module != Module() {
		t.Fatalf("describe disagrees with accessors: %+v", info)
	}
	if !strings.HasPrefix(info.GoVersion, "go") && !strings.HasPrefix(info.GoVersion, "devel") {
		t.Fatalf("unexpected go version %q", info.GoVersion)
	}
}
