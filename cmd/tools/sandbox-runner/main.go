package main

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dojocodes/sandbox/internal/config"
	"github.com/dojocodes/sandbox/internal/logging"
	"github.com/dojocodes/sandbox/internal/orchestrator"
	"github.com/dojocodes/sandbox/internal/sandbox"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage/memory"
)

const maxOutput = 4000

var languageConfig = map[string]struct {
	image   string
	file    string
	command string
}{
	"python": {
		image:   "python:3.12-slim",
		file:    "main.py",
		command: "python main.py",
	},
	"javascript": {
		image:   "node:22-slim",
		file:    "main.js",
		command: "node main.js",
	},
	"go": {
		image:   "golang:1.23-alpine",
		file:    "main.go",
		command: "go run main.go",
	},
	"ruby": {
		image:   "ruby:3.3-slim",
		file:    "main.rb",
		command: "ruby main.rb",
	},
}

// jobRunner is satisfied by *orchestrator.Orchestrator.
type jobRunner interface {
	Run(ctx context.Context, req schema.JobCreate) (*schema.JobState, error)
}

type runner struct {
	jobs jobRunner
}

func main() {
	cfg, err := config.Load(os.Getenv("SANDBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol
	logger := logging.NewWithWriter(cfg.Log, os.Stderr)

	fetch := sandbox.NewHTTPFetcher(cfg.Docker.DownloadTimeout, cfg.Docker.MaxDownloadBytes)
	sb, err := sandbox.NewDockerSandbox(cfg.Docker.Policy(), fetch, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to docker")
	}
	defer sb.Close()

	orch := orchestrator.New(sb, memory.New(time.Hour), nil, logger, orchestrator.Options{
		MaxParallel:  cfg.Orchestrator.MaxParallel,
		CheckTimeout: cfg.Orchestrator.CheckTimeout,
	})
	defer orch.Shutdown(context.Background())

	s := newMCPServer(&runner{jobs: orch})
	if err := server.ServeStdio(s); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
}

func newMCPServer(r *runner) *server.MCPServer {
	s := server.NewMCPServer("sandbox-runner", "0.1.0")
	s.AddTool(sandboxRunTool(), r.handleSandboxRun)
	return s
}

func sandboxRunTool() mcp.Tool {
	langs := make([]string, 0, len(languageConfig))
	for lang := range languageConfig {
		langs = append(langs, lang)
	}
	slices.Sort(langs)

	return mcp.Tool{
		Name: "sandbox_run",
		Description: fmt.Sprintf("Run a single-file program in an isolated container once per stdin input "+
			"and report each run plus an overall verdict. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"inputs": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Standard input for each run (optional, one run with empty stdin when omitted)",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout for all runs together, in seconds (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

func (r *runner) handleSandboxRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	var inputs []string
	if raw, ok := args["inputs"].([]any); ok {
		for i, v := range raw {
			s, ok := v.(string)
			if !ok {
				return errResult(fmt.Sprintf("error: inputs[%d] must be a string", i)), nil
			}
			inputs = append(inputs, s)
		}
	}
	timeout := 0
	if t, ok := args["timeout"].(float64); ok {
		timeout = int(t)
	}

	req, err := buildJob(language, code, inputs, timeout)
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}

	st, err := r.jobs.Run(ctx, *req)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatState(st)}},
		IsError: st.Status != schema.StatusSuccess,
	}, nil
}

// buildJob turns a program and its inputs into a job with one check per
// input, named run-1, run-2 and so on.
func buildJob(language, code string, inputs []string, timeout int) (*schema.JobCreate, error) {
	lang, ok := languageConfig[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", language)
	}
	if len(inputs) == 0 {
		inputs = []string{""}
	}

	source := schema.WorkerFile{
		Path:        lang.file,
		Type:        schema.FileTypeFile,
		Permissions: schema.DefaultPermissions,
		Data:        schema.String(base64.StdEncoding.EncodeToString([]byte(code))),
	}
	req := &schema.JobCreate{
		Environment: schema.WorkerEnvironment{
			ID:      language,
			Image:   lang.image,
			Command: lang.command,
		},
		Inputs:    make(map[string]schema.JobInput, len(inputs)),
		UserFiles: []schema.WorkerFile{source},
		Timeout:   timeout,
	}
	for i, stdin := range inputs {
		req.Inputs[runID(i)] = schema.JobInput{Stdin: schema.String(stdin)}
	}
	return req, nil
}

func runID(i int) string {
	return fmt.Sprintf("run-%d", i+1)
}

func formatState(st *schema.JobState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "verdict: %s\n", st.Status)
	if st.Details != nil {
		fmt.Fprintf(&b, "details: %s\n", *st.Details)
	}

	ids := st.CheckIDs()
	// run-2 before run-10
	slices.SortFunc(ids, func(a, c string) int {
		return cmp.Or(cmp.Compare(len(a), len(c)), strings.Compare(a, c))
	})
	for _, id := range ids {
		out := st.Outputs[id]
		fmt.Fprintf(&b, "\n== %s: %s (%.2fs)", id, out.Status, out.Duration)
		if out.ExitCode != nil && *out.ExitCode != 0 {
			fmt.Fprintf(&b, " exit code %d", *out.ExitCode)
		}
		b.WriteString("\n")
		if out.Details != nil {
			fmt.Fprintf(&b, "%s\n", *out.Details)
		}
		if out.Stdout != "" {
			b.WriteString(out.Stdout)
			if !strings.HasSuffix(out.Stdout, "\n") {
				b.WriteString("\n")
			}
		}
		if out.Stderr != "" {
			b.WriteString("STDERR:\n" + out.Stderr)
		}
	}

	text := b.String()
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
