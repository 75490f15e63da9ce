package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (r *Runner) writeStepSummary(result RunResult) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY"))
	if path == "" {
		return nil
	}
	ensureParentDir(path)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("## Deploy summary: %s\n\n", result.Operation))
	builder.WriteString(renderResultDetails(result))

	return appendFile(path, builder.String(), "step summary")
}

func (r *Runner) writeGitHubOutputs(result RunResult) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_OUTPUT"))
	if path == "" {
		return nil
	}
	ensureParentDir(path)

	hosts := make([]outputHost, 0, len(result.Hosts))
	var checkpoint, ref string
	for _, h := range result.Hosts {
		out := outputHost{
			Host:       h.Host,
			Status:     string(h.Status),
			Ref:        h.Ref,
			Checkpoint: h.Checkpoint,
			Revision:   h.Revision,
		}
		if h.Err != nil {
			out.Error = h.Err.Error()
		}
		hosts = append(hosts, out)

		if h.Checkpoint != "" {
			checkpoint = h.Checkpoint
		}
		if h.Ref != "" {
			ref = h.Ref
		}
	}

	hostsJSON, err := json.Marshal(hosts)
	if err != nil {
		return fmt.Errorf("marshal hosts: %w", err)
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "checkpoint=%s\n", checkpoint)
	fmt.Fprintf(&builder, "ref=%s\n", ref)
	fmt.Fprintf(&builder, "status=%s\n", result.Status())
	writeMultilineOutput(&builder, "hosts", string(hostsJSON))

	return appendFile(path, builder.String(), "github output")
}

func renderResultDetails(result RunResult) string {
	var builder strings.Builder

	if len(result.Hosts) == 0 {
		builder.WriteString("No hosts were deployed.\n")
		return builder.String()
	}

	if result.User != "" {
		builder.WriteString(fmt.Sprintf("Run by %s.\n\n", sanitizeMarkdownCell(result.User)))
	}

	builder.WriteString("| Host | Status | Ref | Checkpoint | Details |\n")
	builder.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, h := range result.Hosts {
		details := ""
		if h.Err != nil {
			details = h.Err.Error()
		}
		builder.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			sanitizeMarkdownCell(h.Host),
			sanitizeMarkdownCell(string(h.Status)),
			sanitizeMarkdownCell(h.Ref),
			sanitizeMarkdownCell(h.Checkpoint),
			sanitizeMarkdownCell(details),
		))
	}

	return builder.String()
}

type outputHost struct {
	Host       string `json:"host"`
	Status     string `json:"status"`
	Ref        string `json:"ref"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Revision   string `json:"revision,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ensureParentDir creates the directory of path when missing. The runner
// usually prepares it already, so failures only produce a warning.
func ensureParentDir(path string) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create %s: %v\n", dir, mkErr)
		}
	}
}

func appendFile(path, content, what string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", what, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close %s file: %v\n", what, closeErr)
		}
	}()

	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("write %s: %w", what, err)
	}
	return nil
}

func writeMultilineOutput(builder *strings.Builder, key, value string) {
	fmt.Fprintf(builder, "%s<<EOF\n%s\nEOF\n", key, value)
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
