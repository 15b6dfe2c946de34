package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojocodes/sandbox/internal/schema"
)

func TestResolveCommand(t *testing.T) {
	env := schema.WorkerEnvironment{Command: `python "solve it.py"`}

	tests := []struct {
		name    string
		in      schema.JobInput
		want    []string
		wantErr bool
	}{
		{name: "environment command", want: []string{"python", "solve it.py"}},
		{name: "parameters appended", in: schema.JobInput{Parameters: []string{"--n", "5"}}, want: []string{"python", "solve it.py", "--n", "5"}},
		{name: "input command wins", in: schema.JobInput{Command: schema.String("node main.js")}, want: []string{"node", "main.js"}},
		{name: "empty command", in: schema.JobInput{Command: schema.String("   ")}, wantErr: true},
		{name: "unterminated quote", in: schema.JobInput{Command: schema.String(`sh -c "echo`)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveCommand(env, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveFilesLaterEntriesWin(t *testing.T) {
	env := schema.WorkerEnvironment{Files: []schema.WorkerFile{
		{Path: "a", Type: schema.FileTypeFile, Permissions: 644, Data: schema.String("YQ==")},
		{Path: "b", Type: schema.FileTypeFile, Permissions: 644},
	}}
	in := schema.JobInput{Files: []schema.WorkerFile{
		{Path: "a", Type: schema.FileTypeFile, Permissions: 600, Data: schema.String("Yg==")},
		{Path: "c", Type: schema.FileTypeUploader, Permissions: 644},
	}}

	got := ResolveFiles(env, in)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Path)
	assert.Equal(t, 600, got[0].Permissions)
	assert.Equal(t, "c", got[2].Path)
}

type staticFetcher map[string]string

func (f staticFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if v, ok := f[url]; ok {
		return []byte(v), nil
	}
	return nil, errors.New("not found")
}

func readArchive(t *testing.T, r io.Reader) map[string]*tar.Header {
	t.Helper()
	out := make(map[string]*tar.Header)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out[hdr.Name] = hdr
	}
}

func TestBuildArchive(t *testing.T) {
	files := []schema.WorkerFile{
		{Path: "solve.py", Type: schema.FileTypeFile, Permissions: 755, Data: schema.String(base64.StdEncoding.EncodeToString([]byte("print(1)")))},
		{Path: "data", Type: schema.FileTypeDirectory, Permissions: 700},
		{Path: "/etc/fixture.csv", Type: schema.FileTypeDownloader, Permissions: 644, Data: schema.String("https://files/fixture.csv")},
		{Path: "result.txt", Type: schema.FileTypeUploader, Permissions: 644},
	}
	fetch := staticFetcher{"https://files/fixture.csv": "a,b\n"}

	buf, uploaders, err := buildArchive(context.Background(), fetch, "/workspace", files)
	require.NoError(t, err)

	hdrs := readArchive(t, buf)
	require.Contains(t, hdrs, "workspace/")
	require.Contains(t, hdrs, "workspace/solve.py")
	assert.Equal(t, int64(0o755), hdrs["workspace/solve.py"].Mode)
	assert.Equal(t, int64(len("print(1)")), hdrs["workspace/solve.py"].Size)
	require.Contains(t, hdrs, "workspace/data/")
	assert.Equal(t, byte(tar.TypeDir), hdrs["workspace/data/"].Typeflag)
	assert.Equal(t, int64(0o700), hdrs["workspace/data/"].Mode)
	require.Contains(t, hdrs, "etc/fixture.csv")
	assert.Equal(t, int64(4), hdrs["etc/fixture.csv"].Size)
	assert.NotContains(t, hdrs, "workspace/result.txt")

	require.Len(t, uploaders, 1)
	assert.Equal(t, "result.txt", uploaders[0].Path)
}

func TestBuildArchiveErrors(t *testing.T) {
	tests := []struct {
		name string
		file schema.WorkerFile
	}{
		{"bad base64", schema.WorkerFile{Path: "a", Type: schema.FileTypeFile, Permissions: 644, Data: schema.String("%%")}},
		{"download fails", schema.WorkerFile{Path: "a", Type: schema.FileTypeDownloader, Permissions: 644, Data: schema.String("https://missing")}},
		{"bad permissions", schema.WorkerFile{Path: "a", Type: schema.FileTypeFile, Permissions: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildArchive(context.Background(), staticFetcher{}, "/workspace", []schema.WorkerFile{tt.file})
			assert.Error(t, err)
		})
	}
}

func TestReadUpload(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "result.txt", Mode: 0o644, Size: 5}))
	_, err := tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	got, err := readUpload(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), got)

	_, err = readUpload(bytes.NewReader(buf.Bytes()), 2)
	assert.Error(t, err)
}

func TestReadUploadWithoutRegularFile(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "out/", Mode: 0o755}))
	require.NoError(t, tw.Close())

	_, err := readUpload(&buf, 0)
	assert.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			io.WriteString(w, "payload")
		case "/big":
			io.WriteString(w, strings.Repeat("x", 100))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, 10)

	data, err := f.Fetch(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/big")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 4}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("def"))
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.truncated)
}

func TestStderrTail(t *testing.T) {
	assert.Equal(t, "", stderrTail(""))
	assert.Equal(t, "ValueError: bad", stderrTail("Traceback\n  line 1\nValueError: bad\n\n"))
	long := stderrTail(strings.Repeat("x", 500))
	assert.Len(t, long, tailLen+3)
	assert.True(t, strings.HasPrefix(long, "..."))
}

func captured(max int, text string) *cappedBuffer {
	b := &cappedBuffer{max: max}
	_, _ = b.Write([]byte(text))
	return b
}

func TestClassify(t *testing.T) {
	upload := schema.WorkerFile{Path: "out.txt", Type: schema.FileTypeUploader, Permissions: 644, Data: schema.String("b2s=")}

	tests := []struct {
		name        string
		exec        execution
		wantStatus  schema.Status
		wantExit    *int
		wantDetails string
		wantFiles   int
		wantUpload  bool
	}{
		{
			name:       "zero exit",
			exec:       execution{stdout: captured(64, "42\n"), stderr: captured(64, "")},
			wantStatus: schema.StatusSuccess,
			wantExit:   ptr(0),
			wantFiles:  1,
			wantUpload: true,
		},
		{
			name:        "non-zero exit carries stderr tail",
			exec:        execution{exitCode: 2, stdout: captured(64, ""), stderr: captured(256, "Traceback\nValueError: bad input\n")},
			wantStatus:  schema.StatusFailure,
			wantExit:    ptr(2),
			wantDetails: "exited with code 2: ValueError: bad input",
			wantFiles:   1,
			wantUpload:  true,
		},
		{
			name:        "deadline",
			exec:        execution{exitCode: 137, timedOut: true, timeout: 2 * time.Second, stdout: captured(64, "partial"), stderr: captured(64, "")},
			wantStatus:  schema.StatusTimeout,
			wantDetails: "killed after 2s",
		},
		{
			name:        "truncated output",
			exec:        execution{stdout: captured(4, "abcdefgh"), stderr: captured(4, "")},
			wantStatus:  schema.StatusSuccess,
			wantExit:    ptr(0),
			wantDetails: "output truncated to 4 bytes",
			wantFiles:   1,
			wantUpload:  true,
		},
		{
			name:        "timeout before truncation note",
			exec:        execution{timedOut: true, timeout: time.Second, stdout: captured(4, "abcdefgh"), stderr: captured(4, "")},
			wantStatus:  schema.StatusTimeout,
			wantDetails: "killed after 1s; output truncated to 4 bytes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collected := false
			res := classify(tt.exec, func() ([]schema.WorkerFile, []string) {
				collected = true
				return []schema.WorkerFile{upload}, nil
			})

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantStatus, res.Output.Status)
			assert.Equal(t, tt.exec.exitCode, res.ExitCode)
			assert.Equal(t, tt.wantExit, res.Output.ExitCode)
			assert.Equal(t, tt.wantUpload, collected)
			assert.Len(t, res.Output.Files, tt.wantFiles)
			assert.NotNil(t, res.Output.Files)
			if tt.wantDetails == "" {
				assert.Nil(t, res.Output.Details)
			} else {
				require.NotNil(t, res.Output.Details)
				assert.Equal(t, tt.wantDetails, *res.Output.Details)
			}
		})
	}
}

func TestClassifyAppendsUploadNotes(t *testing.T) {
	res := classify(execution{exitCode: 1, stdout: captured(8, ""), stderr: captured(8, "")}, func() ([]schema.WorkerFile, []string) {
		return []schema.WorkerFile{{Path: "missing.txt", Type: schema.FileTypeUploader}}, []string{"missing.txt was not produced"}
	})
	require.NotNil(t, res.Output.Details)
	assert.Equal(t, "exited with code 1; missing.txt was not produced", *res.Output.Details)
	assert.Equal(t, 1, *res.Output.ExitCode)
}

func ptr(v int) *int { return &v }

func TestDrainPull(t *testing.T) {
	assert.NoError(t, drainPull(strings.NewReader(`{"status":"Pulling"}{"status":"Done"}`)))
	assert.EqualError(t, drainPull(strings.NewReader(`{"status":"Pulling"}{"error":"denied"}`)), "denied")
}

func TestPolicyIsImageAllowed(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsImageAllowed("anything:latest"))

	p.Images = []string{"python:3.12-slim"}
	assert.True(t, p.IsImageAllowed("python:3.12-slim"))
	assert.False(t, p.IsImageAllowed("alpine"))
}
