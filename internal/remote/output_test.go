package remote

import (
	"strings"
	"testing"
)

func TestLineWriterSplitsAcrossWrites(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(line string) { lines = append(lines, line) }, tail: newTailBuffer(1024)}

	for _, chunk := range []string{"On bra", "nch main\r\nYour branch", " is up to date\n", "tail"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write returned error: %v", err)
		}
	}
	w.flush()

	want := []string{"On branch main", "Your branch is up to date", "tail"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected lines %q", lines)
	}
	if got := w.tail.String(); got != "On branch main\r\nYour branch is up to date\ntail" {
		t.Fatalf("unexpected captured output %q", got)
	}
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := newTailBuffer(4)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))

	if got := b.String(); got != "defg" {
		t.Fatalf("expected tail %q, got %q", "defg", got)
	}
}

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":                  "''",
		"origin/develop":    "origin/develop",
		"deploy_*":          "'deploy_*'",
		"/srv/my app":       "'/srv/my app'",
		"it's":              `'it'"'"'s'`,
		"git@host:repo.git": "git@host:repo.git",
		"HEAD^":             "'HEAD^'",
	}

	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Fatalf("Quote(%q): expected %q, got %q", in, want, got)
		}
	}

	if got := Join("git", "describe", "--match", "deploy_*"); got != "git describe --match 'deploy_*'" {
		t.Fatalf("unexpected Join result %q", got)
	}
}
