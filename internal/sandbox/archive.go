package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/dojocodes/sandbox/internal/schema"
)

// ResolveCommand splits the effective command line into argv and appends
// the input parameters. The input command, when set, replaces the
// environment command.
func ResolveCommand(env schema.WorkerEnvironment, in schema.JobInput) ([]string, error) {
	line := env.Command
	if in.Command != nil {
		line = *in.Command
	}
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parsing command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return append(argv, in.Parameters...), nil
}

// ResolveFiles flattens environment and input files into the set placed
// into the worker. Later entries for a path replace earlier ones while the
// first position is kept.
func ResolveFiles(env schema.WorkerEnvironment, in schema.JobInput) []schema.WorkerFile {
	var out []schema.WorkerFile
	index := make(map[string]int)
	for _, set := range [][]schema.WorkerFile{env.Files, in.Files} {
		for _, f := range set {
			if i, ok := index[f.Path]; ok {
				out[i] = f
				continue
			}
			index[f.Path] = len(out)
			out = append(out, f)
		}
	}
	return out
}

// containerPath resolves p against workdir, giving an absolute path.
func containerPath(workdir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(workdir, p)
}

// tarMode converts a file mode into tar header mode bits.
func tarMode(m fs.FileMode) int64 {
	mode := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

// buildArchive writes every non-Uploader file into a tar stream meant to be
// extracted at "/". Uploaders are returned so they can be read back after
// the run. The working directory itself is created world-writable so the
// program can produce its outputs.
func buildArchive(ctx context.Context, fetch Fetcher, workdir string, files []schema.WorkerFile) (*bytes.Buffer, []schema.WorkerFile, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     strings.TrimPrefix(workdir, "/") + "/",
		Mode:     0o777,
		ModTime:  now,
	}); err != nil {
		return nil, nil, err
	}

	var uploaders []schema.WorkerFile
	for _, f := range files {
		mode, err := f.Mode()
		if err != nil {
			return nil, nil, fmt.Errorf("file %q: %w", f.Path, err)
		}
		name := strings.TrimPrefix(containerPath(workdir, f.Path), "/")

		var content []byte
		switch f.Type {
		case schema.FileTypeUploader:
			uploaders = append(uploaders, f)
			continue
		case schema.FileTypeDirectory:
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     tarMode(mode),
				ModTime:  now,
			}); err != nil {
				return nil, nil, err
			}
			continue
		case schema.FileTypeFile:
			content, err = base64.StdEncoding.DecodeString(f.DataString())
			if err != nil {
				return nil, nil, fmt.Errorf("file %q: decoding data: %w", f.Path, err)
			}
		case schema.FileTypeDownloader:
			content, err = fetch.Fetch(ctx, f.DataString())
			if err != nil {
				return nil, nil, fmt.Errorf("file %q: %w", f.Path, err)
			}
		default:
			return nil, nil, fmt.Errorf("file %q: unknown type %q", f.Path, f.Type)
		}

		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     tarMode(mode),
			Size:     int64(len(content)),
			ModTime:  now,
		}); err != nil {
			return nil, nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, nil, err
	}
	return &buf, uploaders, nil
}

// readUpload extracts the single regular file of a container copy stream
// and returns it base64-encoded.
func readUpload(r io.Reader, limit int64) (string, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", errors.New("no regular file in archive")
		}
		if err != nil {
			return "", err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if limit > 0 && hdr.Size > limit {
			return "", fmt.Errorf("file is %d bytes, limit is %d", hdr.Size, limit)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}
}
