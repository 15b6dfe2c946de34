package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dojocodes/sandbox/internal/schema"
)

// ExportMarkdown renders a job state as a markdown report.
func ExportMarkdown(s *schema.JobState) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Job %s\n\n", s.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", s.Status))
	b.WriteString(fmt.Sprintf("- **Environment:** %s\n", s.Environment))
	if s.Details != nil {
		b.WriteString(fmt.Sprintf("- **Details:** %s\n", *s.Details))
	}
	b.WriteString(fmt.Sprintf("- **Checks:** %d\n", len(s.Outputs)))
	b.WriteString("\n---\n\n")

	for _, id := range s.CheckIDs() {
		out := s.Outputs[id]
		b.WriteString(fmt.Sprintf("## %s\n\n", id))
		if out.Status != "" {
			b.WriteString(fmt.Sprintf("- **Status:** %s\n", out.Status))
		}
		if out.ExitCode != nil {
			b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", *out.ExitCode))
		}
		b.WriteString(fmt.Sprintf("- **Duration:** %.3fs\n", out.Duration))
		if out.Details != nil {
			b.WriteString(fmt.Sprintf("- **Details:** %s\n", *out.Details))
		}
		b.WriteString("\n")
		if out.Stdout != "" {
			b.WriteString(fmt.Sprintf("**stdout**\n```\n%s\n```\n\n", strings.TrimRight(out.Stdout, "\n")))
		}
		if out.Stderr != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>stderr</summary>\n\n```\n%s\n```\n</details>\n\n", strings.TrimRight(out.Stderr, "\n")))
		}
		for _, f := range out.Files {
			b.WriteString(fmt.Sprintf("- file `%s` (%d bytes base64)\n", f.Path, len(f.DataString())))
		}
		if len(out.Files) > 0 {
			b.WriteString("\n")
		}
	}

	return b.String()
}

// ExportJSON renders a job state as formatted JSON.
func ExportJSON(s *schema.JobState) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
