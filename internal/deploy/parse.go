package deploy

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	// CheckpointPrefix starts every checkpoint tag name.
	CheckpointPrefix = "deploy_"

	// CheckpointLayout formats the checkpoint timestamp (YYYYMMDDHHMMSS, UTC).
	CheckpointLayout = "20060102150405"

	checkpointGlob = CheckpointPrefix + "*"
)

var (
	currentBranchPattern = regexp.MustCompile(`(?i)^(?:#\s*)?on branch (.+)$`)
	checkpointPattern    = regexp.MustCompile(`^deploy_[0-9]{14}$`)
)

// ParseCurrentBranch extracts the branch name from git status output. It
// returns false when no line reads "On branch <name>", for example on a
// detached HEAD.
func ParseCurrentBranch(lines []string) (string, bool) {
	for _, line := range lines {
		m := currentBranchPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			continue
		}
		if name := strings.TrimSpace(printable(m[1])); name != "" {
			return name, true
		}
	}
	return "", false
}

// ParseCheckpoint reads the tag printed by git describe. Only the last
// non-empty line counts; it must be a well-formed checkpoint name.
func ParseCheckpoint(lines []string) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		tag := strings.TrimSpace(printable(lines[i]))
		if tag == "" {
			continue
		}
		if !IsCheckpoint(tag) {
			return "", false
		}
		return tag, true
	}
	return "", false
}

// CheckpointName returns the checkpoint tag for a deploy finished at t.
func CheckpointName(t time.Time) string {
	return CheckpointPrefix + t.UTC().Format(CheckpointLayout)
}

// IsCheckpoint reports whether name was produced by CheckpointName.
func IsCheckpoint(name string) bool {
	return checkpointPattern.MatchString(name)
}

// CheckpointTime returns the timestamp encoded in a checkpoint name.
func CheckpointTime(name string) (time.Time, bool) {
	if !IsCheckpoint(name) {
		return time.Time{}, false
	}
	t, err := time.Parse(CheckpointLayout, strings.TrimPrefix(name, CheckpointPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}
