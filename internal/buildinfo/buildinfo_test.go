package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestStringContainsStampedValues(t *testing.T) {
	s := String()
	for _, want := range []string{Version, GitCommit, BuildTime} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestInfoFields(t *testing.T) {
	info := Info()

	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q, want %q", info["go_version"], runtime.Version())
	}
}
