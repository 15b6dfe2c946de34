package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocodes/sandbox/internal/limiter"
	"github.com/dojocodes/sandbox/internal/orchestrator"
	"github.com/dojocodes/sandbox/internal/sandbox"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
	"github.com/dojocodes/sandbox/internal/storage/memory"
)

// stubLauncher echoes stdin, or blocks until cancelled when stdin is "block".
type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context, env schema.WorkerEnvironment, in schema.JobInput, timeout time.Duration) (*sandbox.Result, error) {
	stdin := ""
	if in.Stdin != nil {
		stdin = *in.Stdin
	}
	if stdin == "block" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	code := 0
	return &sandbox.Result{
		Status: schema.StatusSuccess,
		Output: schema.JobOutput{Stdout: stdin, Files: []schema.WorkerFile{}, ExitCode: &code},
	}, nil
}

func testServer(t *testing.T, rl *limiter.RateLimiter) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	logger := zerolog.Nop()
	orch := orchestrator.New(stubLauncher{}, memory.New(0), nil, &logger, orchestrator.Options{MaxParallel: 4})
	srv := httptest.NewServer(New(orch, rl, &logger).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return srv, orch
}

const jobBody = `{
	"environment": {"id": "py", "image": "python:3.12-slim", "command": "python solve.py"},
	"inputs": {"t1": {"stdin": "5\n"}, "t2": {"stdin": "10\n"}}
}`

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateAndGetJob(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp := post(t, srv.URL+"/api/jobs?wait=true", jobBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	created := decode[schema.JobState](t, resp)
	assert.Equal(t, schema.StatusSuccess, created.Status)
	assert.Equal(t, "5\n", created.Outputs["t1"].Stdout)

	resp, err := http.Get(srv.URL + "/api/jobs/" + created.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[schema.JobState](t, resp)
	assert.Equal(t, created, got)
}

func TestCreateJobReturnsPending(t *testing.T) {
	srv, orch := testServer(t, nil)

	resp := post(t, srv.URL+"/api/jobs", jobBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decode[schema.JobState](t, resp)
	assert.Equal(t, schema.StatusPending, st.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := orch.Wait(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, final.Status)
}

func TestCreateJobValidation(t *testing.T) {
	srv, _ := testServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"environment":`},
		{"missing inputs", `{"environment": {"id": "py", "image": "python", "command": "python"}}`},
		{"missing image", `{"environment": {"id": "py", "command": "python"}, "inputs": {}}`},
		{"bad file type", `{"environment": {"id": "py", "image": "python", "command": "python"}, "inputs": {}, "user_files": [{"path": "a", "type": "Socket"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/api/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, "validation", body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestUnmetRequirementsAreAJobFailure(t *testing.T) {
	srv, _ := testServer(t, nil)

	body := `{
		"environment": {
			"id": "py", "image": "python", "command": "python solve.py",
			"requires_user_files": [{"path": "solve.py", "type": "File"}]
		},
		"inputs": {"t1": {}}
	}`
	resp := post(t, srv.URL+"/api/jobs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decode[schema.JobState](t, resp)
	assert.Equal(t, schema.StatusFailure, st.Status)
	require.NotNil(t, st.Details)
	assert.Contains(t, *st.Details, "solve.py")
}

func TestGetUnknownJob(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetJobRequiresExactID(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp := post(t, srv.URL+"/api/jobs?wait=true", jobBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decode[schema.JobState](t, resp)

	for _, id := range []string{st.ID[:1], st.ID[:8], "%25", "_"} {
		resp, err := http.Get(srv.URL + "/api/jobs/" + id)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "GET /api/jobs/%s", id)
	}
}

func TestListJobs(t *testing.T) {
	srv, _ := testServer(t, nil)

	for range 3 {
		resp := post(t, srv.URL+"/api/jobs?wait=true", jobBody)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/jobs?status=Success&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decode[[]storage.JobSummary](t, resp)
	assert.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, schema.StatusSuccess, j.Status)
		assert.Equal(t, "py", j.Environment)
	}

	resp, err = http.Get(srv.URL + "/api/jobs?status=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobsEmpty(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	raw.ReadFrom(resp.Body)
	assert.Equal(t, "[]", strings.TrimSpace(raw.String()))
}

func TestCancelJob(t *testing.T) {
	srv, orch := testServer(t, nil)

	body := `{
		"environment": {"id": "py", "image": "python", "command": "python"},
		"inputs": {"t1": {"stdin": "block"}}
	}`
	resp := post(t, srv.URL+"/api/jobs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decode[schema.JobState](t, resp)

	del := func() *http.Response {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+st.ID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusAccepted, del().StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := orch.Wait(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailure, final.Status)

	assert.Equal(t, http.StatusConflict, del().StatusCode)
}

func TestRateLimitedCreate(t *testing.T) {
	rl := limiter.New(limiter.Config{GlobalRPS: 100, PerIPRPS: 0.001, PerIPBurst: 1, MaxConcurrent: 10})
	srv, _ := testServer(t, rl)

	assert.Equal(t, http.StatusCreated, post(t, srv.URL+"/api/jobs", jobBody).StatusCode)
	resp := post(t, srv.URL+"/api/jobs", jobBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// reads are not limited
	get, err := http.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	assert.Equal(t, "ok", body.String())

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStreamsToTerminal(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp := post(t, srv.URL+"/api/jobs", jobBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decode[schema.JobState](t, resp)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + st.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last schema.JobState
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
			break
		}
		require.NoError(t, json.Unmarshal(data, &last))
	}
	assert.Equal(t, schema.StatusSuccess, last.Status)
	assert.Len(t, last.Outputs, 2)
}

func TestWebSocketUnknownJob(t *testing.T) {
	srv, _ := testServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
