package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
)

const (
	outputGrace   = 2 * time.Second
	cleanupWindow = 10 * time.Second
)

// DockerSandbox runs each execution in a fresh Docker container.
type DockerSandbox struct {
	cli    *client.Client
	policy Policy
	fetch  Fetcher
	logger *zerolog.Logger

	pulls sync.Map // image -> *sync.Mutex
}

// NewDockerSandbox connects to the Docker daemon described by the
// environment (DOCKER_HOST and friends).
func NewDockerSandbox(policy Policy, fetch Fetcher, logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "connecting to docker")
	}
	return &DockerSandbox{cli: cli, policy: policy, fetch: fetch, logger: logger}, nil
}

// Ping checks the daemon is reachable.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return apperr.Wrap(err, apperr.Infrastructure, "docker unreachable")
	}
	return nil
}

// Close releases the client connection.
func (d *DockerSandbox) Close() error {
	return d.cli.Close()
}

// Launch runs one input in a fresh container from env and removes the
// container afterwards.
func (d *DockerSandbox) Launch(ctx context.Context, env schema.WorkerEnvironment, in schema.JobInput, timeout time.Duration) (*Result, error) {
	if !d.policy.IsImageAllowed(env.Image) {
		return nil, apperr.Newf(apperr.Validation, "image %q not in allowlist", env.Image)
	}
	argv, err := ResolveCommand(env, in)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Validation, "resolving command")
	}
	if err := d.EnsureImage(ctx, env.Image, env.ImagePullSecret); err != nil {
		return nil, err
	}
	archive, uploaders, err := buildArchive(ctx, d.fetch, d.policy.Workdir, ResolveFiles(env, in))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "preparing files")
	}

	pids := d.policy.PidsLimit
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     d.policy.MemoryMB * 1024 * 1024,
			MemorySwap: d.policy.MemoryMB * 1024 * 1024,
			NanoCPUs:   d.policy.NanoCPUs,
			PidsLimit:  &pids,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}
	if !d.policy.Network {
		hostCfg.NetworkMode = "none"
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           env.Image,
		Cmd:             argv,
		WorkingDir:      d.policy.Workdir,
		User:            d.policy.User,
		Tty:             false,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !d.policy.Network,
		Labels:          map[string]string{"dojocodes.sandbox.environment": env.ID},
	}, hostCfg, nil, nil, "")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "creating container")
	}
	id := resp.ID
	log := d.logger.With().Str("container", shortID(id)).Str("environment", env.ID).Logger()
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupWindow)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Msg("removing container")
		}
	}()

	if err := d.cli.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "copying files into container")
	}

	hijack, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "attaching to container")
	}
	defer hijack.Close()

	waitCh, waitErrCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)

	stdout := &cappedBuffer{max: d.policy.MaxOutputBytes}
	stderr := &cappedBuffer{max: d.policy.MaxOutputBytes}
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		if _, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader); err != nil {
			log.Debug().Err(err).Msg("output stream ended")
		}
	}()

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "starting container")
	}
	log.Debug().Strs("cmd", argv).Msg("container started")

	go func() {
		if in.Stdin != nil {
			if _, err := io.WriteString(hijack.Conn, *in.Stdin); err != nil {
				log.Debug().Err(err).Msg("writing stdin")
			}
		}
		_ = hijack.CloseWrite()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		exitCode int
		timedOut bool
	)
	select {
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return nil, apperr.Newf(apperr.Infrastructure, "waiting for container: %s", res.Error.Message)
		}
		exitCode = int(res.StatusCode)
	case err := <-waitErrCh:
		if ctx.Err() != nil {
			d.kill(id, log)
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(err, apperr.Infrastructure, "waiting for container")
	case <-timer.C:
		timedOut = true
		d.kill(id, log)
	case <-ctx.Done():
		d.kill(id, log)
		return nil, ctx.Err()
	}
	duration := time.Since(start)

	select {
	case <-copyDone:
	case <-time.After(outputGrace):
		hijack.Close()
		<-copyDone
	}

	result := classify(execution{
		exitCode: exitCode,
		timedOut: timedOut,
		timeout:  timeout,
		duration: duration,
		stdout:   stdout,
		stderr:   stderr,
	}, func() ([]schema.WorkerFile, []string) {
		return d.collectUploads(ctx, id, uploaders)
	})

	log.Debug().
		Str("status", string(result.Status)).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("container finished")

	return result, nil
}

// execution is what a finished container left behind.
type execution struct {
	exitCode int
	timedOut bool
	timeout  time.Duration
	duration time.Duration
	stdout   *cappedBuffer
	stderr   *cappedBuffer
}

// classify turns a finished execution into a Result. Uploads are collected
// only from containers that exited on their own.
func classify(e execution, uploads func() ([]schema.WorkerFile, []string)) *Result {
	exitCode := e.exitCode
	result := &Result{
		ExitCode: exitCode,
		Output: schema.JobOutput{
			Stdout:   e.stdout.String(),
			Stderr:   e.stderr.String(),
			Files:    []schema.WorkerFile{},
			Duration: e.duration.Seconds(),
		},
	}

	var notes []string
	if e.stdout.truncated || e.stderr.truncated {
		notes = append(notes, fmt.Sprintf("output truncated to %d bytes", max(e.stdout.max, e.stderr.max)))
	}

	switch {
	case e.timedOut:
		result.Status = schema.StatusTimeout
		notes = append([]string{fmt.Sprintf("killed after %s", e.timeout)}, notes...)
	case exitCode != 0:
		result.Status = schema.StatusFailure
		result.Output.ExitCode = &exitCode
		msg := fmt.Sprintf("exited with code %d", exitCode)
		if t := stderrTail(result.Output.Stderr); t != "" {
			msg += ": " + t
		}
		notes = append([]string{msg}, notes...)
	default:
		result.Status = schema.StatusSuccess
		result.Output.ExitCode = &exitCode
	}

	if !e.timedOut && uploads != nil {
		files, uploadNotes := uploads()
		result.Output.Files = files
		notes = append(notes, uploadNotes...)
	}

	if len(notes) > 0 {
		result.Output.Details = schema.String(strings.Join(notes, "; "))
	}
	result.Output.Status = result.Status
	return result
}

// collectUploads reads every Uploader back from the stopped container. A
// missing file is reported with nil data and a note rather than failing
// the execution.
func (d *DockerSandbox) collectUploads(ctx context.Context, id string, uploaders []schema.WorkerFile) ([]schema.WorkerFile, []string) {
	files := make([]schema.WorkerFile, 0, len(uploaders))
	var notes []string
	for _, f := range uploaders {
		out := f
		out.Data = nil
		data, err := d.readFile(ctx, id, containerPath(d.policy.Workdir, f.Path))
		if err != nil {
			notes = append(notes, fmt.Sprintf("upload %q: %v", f.Path, err))
		} else {
			out.Data = schema.String(data)
		}
		files = append(files, out)
	}
	return files, notes
}

func (d *DockerSandbox) readFile(ctx context.Context, id, p string) (string, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, id, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return readUpload(rc, int64(d.policy.MaxOutputBytes))
}

func (d *DockerSandbox) kill(id string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupWindow)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		log.Debug().Err(err).Msg("killing container")
	}
}

// EnsureImage makes the image available locally according to the pull
// policy. Concurrent calls for the same image share a single pull.
func (d *DockerSandbox) EnsureImage(ctx context.Context, img string, pullSecret *string) error {
	mu, _ := d.pulls.LoadOrStore(img, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if d.policy.PullPolicy != PullAlways {
		_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
		if err == nil {
			return nil
		}
		if d.policy.PullPolicy == PullNever {
			return apperr.Wrapf(err, apperr.Infrastructure, "image %s not present and pulling is disabled", img)
		}
	}

	d.logger.Info().Str("image", img).Msg("pulling docker image")
	opts := image.PullOptions{}
	if pullSecret != nil {
		opts.RegistryAuth = *pullSecret
	}
	reader, err := d.cli.ImagePull(ctx, img, opts)
	if err != nil {
		return apperr.Wrapf(err, apperr.Infrastructure, "pulling image %s", img)
	}
	defer reader.Close()

	if err := drainPull(reader); err != nil {
		return apperr.Wrapf(err, apperr.Infrastructure, "pulling image %s", img)
	}
	d.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

// drainPull consumes the pull progress stream, which must be read to
// completion, and surfaces any error message it carries.
func drainPull(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
