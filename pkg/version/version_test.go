package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	orig := GitCommit
	t.Cleanup(func() { GitCommit = orig })

	GitCommit = "0123456789abcdef0123"
	s := String()
	if !strings.Contains(s, "commit 0123456789ab,") {
		t.Errorf("String() = %q, want a 12 character commit", s)
	}
	if !strings.HasPrefix(s, "contextd "+Version) {
		t.Errorf("String() = %q", s)
	}
}

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "buildTime", "gitCommit", "goVersion"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
}
