package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
)

type fakeRunner struct {
	got schema.JobCreate
	st  *schema.JobState
	err error
}

func (f *fakeRunner) Run(_ context.Context, req schema.JobCreate) (*schema.JobState, error) {
	f.got = req
	return f.st, f.err
}

func call(args any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = "sandbox_run"
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestBuildJob(t *testing.T) {
	req, err := buildJob("python", "print(input())", []string{"a", "b"}, 7)
	require.NoError(t, err)

	assert.Equal(t, "python:3.12-slim", req.Environment.Image)
	assert.Equal(t, "python main.py", req.Environment.Command)
	assert.Equal(t, 7, req.Timeout)
	require.Len(t, req.UserFiles, 1)
	assert.Equal(t, "main.py", req.UserFiles[0].Path)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("print(input())")), *req.UserFiles[0].Data)

	require.Len(t, req.Inputs, 2)
	assert.Equal(t, "a", *req.Inputs["run-1"].Stdin)
	assert.Equal(t, "b", *req.Inputs["run-2"].Stdin)
	assert.NoError(t, req.Validate())
}

func TestBuildJobDefaults(t *testing.T) {
	req, err := buildJob("ruby", "puts 1", nil, 0)
	require.NoError(t, err)
	require.Len(t, req.Inputs, 1)
	assert.Equal(t, "", *req.Inputs["run-1"].Stdin)

	_, err = buildJob("cobol", "x", nil, 0)
	assert.ErrorContains(t, err, "unsupported language")
}

func TestHandleSandboxRun(t *testing.T) {
	code := 0
	f := &fakeRunner{st: &schema.JobState{
		ID:     "j1",
		Status: schema.StatusSuccess,
		Outputs: map[string]schema.JobOutput{
			"run-1": {Stdout: "hello", Status: schema.StatusSuccess, ExitCode: &code},
		},
	}}
	r := &runner{jobs: f}

	res, err := r.handleSandboxRun(context.Background(), call(map[string]any{
		"language": "python",
		"code":     "print('hello')",
		"inputs":   []any{"x"},
		"timeout":  float64(3),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "verdict: Success")
	assert.Contains(t, out, "== run-1: Success")
	assert.Contains(t, out, "hello\n")

	assert.Equal(t, 3, f.got.Timeout)
	assert.Equal(t, "x", *f.got.Inputs["run-1"].Stdin)
}

func TestHandleSandboxRunErrors(t *testing.T) {
	r := &runner{jobs: &fakeRunner{err: apperr.New(apperr.Validation, "invalid job")}}

	tests := []struct {
		name string
		args any
		want string
	}{
		{"not an object", "nope", "invalid arguments"},
		{"missing code", map[string]any{"language": "python"}, "required"},
		{"bad input", map[string]any{"language": "python", "code": "x", "inputs": []any{1.0}}, "inputs[0]"},
		{"unknown language", map[string]any{"language": "cobol", "code": "x"}, "unsupported language"},
		{"run error", map[string]any{"language": "python", "code": "x"}, "invalid job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.handleSandboxRun(context.Background(), call(tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, text(t, res), tt.want)
		})
	}
}

func TestFormatStateOrdersRuns(t *testing.T) {
	st := &schema.JobState{Status: schema.StatusFailure, Outputs: map[string]schema.JobOutput{}}
	for i := range 11 {
		st.Outputs[runID(i)] = schema.JobOutput{Status: schema.StatusSuccess}
	}
	code := 3
	st.Outputs["run-2"] = schema.JobOutput{Status: schema.StatusFailure, ExitCode: &code, Stderr: "bad"}

	out := formatState(st)
	assert.Less(t, strings.Index(out, "== run-2:"), strings.Index(out, "== run-10:"))
	assert.Contains(t, out, "== run-2: Failure (0.00s) exit code 3")
	assert.Contains(t, out, "STDERR:\nbad")
}

func TestFormatStateTruncates(t *testing.T) {
	st := &schema.JobState{Status: schema.StatusSuccess, Outputs: map[string]schema.JobOutput{
		"run-1": {Stdout: strings.Repeat("x", 2*maxOutput)},
	}}
	out := formatState(st)
	assert.True(t, strings.HasSuffix(out, "(output truncated)"), fmt.Sprintf("len %d", len(out)))
}

func TestMCPRoundTrip(t *testing.T) {
	code := 1
	f := &fakeRunner{st: &schema.JobState{
		Status:  schema.StatusFailure,
		Details: schema.String("check run-1 failed: exited with code 1"),
		Outputs: map[string]schema.JobOutput{
			"run-1": {Stderr: "boom\n", Status: schema.StatusFailure, ExitCode: &code},
		},
	}}

	c, err := client.NewInProcessClient(newMCPServer(&runner{jobs: f}))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "test", Version: "0.0.0"},
		},
	})
	require.NoError(t, err)

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "sandbox_run", tools.Tools[0].Name)
	assert.Equal(t, []string{"language", "code"}, tools.Tools[0].InputSchema.Required)

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "sandbox_run",
			Arguments: map[string]any{"language": "go", "code": "package main", "inputs": []any{"1", "2"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "verdict: Failure")
	assert.Len(t, f.got.Inputs, 2)
	assert.Equal(t, "go run main.go", f.got.Environment.Command)
}
