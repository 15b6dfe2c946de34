// Package orchestrator turns a job request into one sandbox execution per
// check, records each outcome as it arrives and settles the job's status
// once every check is accounted for.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/filematch"
	"github.com/dojocodes/sandbox/internal/metrics"
	"github.com/dojocodes/sandbox/internal/sandbox"
	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
)

const storeTimeout = 5 * time.Second

// Launcher runs one effective input. sandbox.DockerSandbox implements it.
type Launcher interface {
	Launch(ctx context.Context, env schema.WorkerEnvironment, input schema.JobInput, timeout time.Duration) (*sandbox.Result, error)
}

// Notifier receives every state written for a job that has a callback.
// Implementations must not retain st past the call.
type Notifier interface {
	Notify(cb *schema.Callback, st *schema.JobState)
}

type nopNotifier struct{}

func (nopNotifier) Notify(*schema.Callback, *schema.JobState) {}

// Options tune execution.
type Options struct {
	// MaxParallel bounds concurrent executions across all jobs.
	MaxParallel int

	// CheckTimeout bounds a single execution. Zero, or anything longer
	// than the job timeout, means the job timeout.
	CheckTimeout time.Duration
}

// Orchestrator owns every job from submission to its terminal status.
type Orchestrator struct {
	launcher Launcher
	store    storage.Store
	notifier Notifier
	logger   *zerolog.Logger
	opts     Options

	sem  chan struct{}
	jobs *registry
	hub  *hub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator. A nil notifier disables callbacks.
func New(launcher Launcher, store storage.Store, notifier Notifier, logger *zerolog.Logger, opts Options) *Orchestrator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		launcher: launcher,
		store:    store,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxParallel),
		jobs:     newRegistry(),
		hub:      newHub(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit validates req, records the job as Pending and starts it. The
// returned state is the last one written before Submit returned: Pending
// for a running job, or a terminal state when the job could settle at
// once (unmet file requirements, no inputs).
//
// A malformed request fails with an apperr.Validation error and creates
// no job.
func (o *Orchestrator) Submit(ctx context.Context, req schema.JobCreate) (*schema.JobState, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j := &job{
		id:       uuid.NewString(),
		callback: req.Callback,
		checks:   sortedChecks(req.Inputs),
		timeout:  time.Duration(req.Timeout) * time.Second,
		created:  time.Now(),
		done:     make(chan struct{}),
		state: &schema.JobState{
			Status:      schema.StatusPending,
			Environment: req.Environment.ID,
		},
	}
	j.state.ID = j.id
	log := o.logger.With().Str("job", j.id).Str("environment", req.Environment.ID).Logger()

	if o.isClosed() {
		return nil, apperr.New(apperr.Infrastructure, "orchestrator is shutting down")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := o.store.Put(ctx, j.state.Clone()); err != nil {
		return nil, apperr.Wrap(err, apperr.Infrastructure, "recording job")
	}
	o.publish(j)
	log.Info().Int("checks", len(j.checks)).Msg("job submitted")

	if err := filematch.RequiresAll(req.Environment.RequiresUserFiles, req.UserFiles); err != nil {
		log.Info().Err(err).Msg("user files rejected")
		o.settle(j, schema.StatusFailure, schema.String(err.Error()))
		return j.state.Clone(), nil
	}

	if len(j.checks) == 0 {
		j.state.Outputs = map[string]schema.JobOutput{}
		o.settle(j, schema.StatusSuccess, nil)
		return j.state.Clone(), nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.settle(j, schema.StatusFailure, schema.String("orchestrator shutting down"))
		return j.state.Clone(), nil
	}
	j.ctx, j.cancel = context.WithCancel(o.ctx)
	o.jobs.Add(j)
	metrics.JobsRunning.Inc()
	o.wg.Add(1)
	go o.run(j, req)

	return j.state.Clone(), nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Run submits req and waits for it to settle.
func (o *Orchestrator) Run(ctx context.Context, req schema.JobCreate) (*schema.JobState, error) {
	st, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	return o.Wait(ctx, st.ID)
}

func (o *Orchestrator) run(j *job, req schema.JobCreate) {
	defer o.wg.Done()
	defer j.cancel()
	log := o.logger.With().Str("job", j.id).Logger()

	runCtx, stop := context.WithTimeout(j.ctx, j.timeout)
	defer stop()

	j.mu.Lock()
	j.state.Status = schema.StatusStarted
	o.write(j)
	j.mu.Unlock()

	// user files sit next to the environment's own files, input files
	// override both
	env := req.Environment
	env.Files = append(slices.Clone(env.Files), req.UserFiles...)

	var wg sync.WaitGroup
	for _, id := range j.checks {
		effective := req.BaseInput.Combine(req.Inputs[id])
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runCheck(runCtx, j, env, id, effective)
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	deadlineHit := false
	select {
	case <-finished:
	case <-runCtx.Done():
		j.mu.Lock()
		j.closed = true
		j.mu.Unlock()
		deadlineHit = errors.Is(runCtx.Err(), context.DeadlineExceeded) && j.ctx.Err() == nil
		<-finished
	}

	j.mu.Lock()
	j.closed = true
	status, details := j.aggregate(deadlineHit)
	o.settle(j, status, details)
	j.mu.Unlock()

	o.jobs.Remove(j.id)
	metrics.JobsRunning.Dec()
	close(j.done)
	log.Info().Str("status", string(status)).Dur("elapsed", time.Since(j.created)).Msg("job finished")
}

func (o *Orchestrator) runCheck(ctx context.Context, j *job, env schema.WorkerEnvironment, id string, in schema.JobInput) {
	log := o.logger.With().Str("job", j.id).Str("check", id).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("check panicked")
			o.record(j, id, failedOutput(fmt.Sprintf("internal error: %v", r)))
		}
	}()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.sem }()
	metrics.ActiveChecks.Inc()
	defer metrics.ActiveChecks.Dec()

	res, err := o.launcher.Launch(ctx, env, in, o.checkTimeout(j.timeout))
	if ctx.Err() != nil {
		log.Debug().Msg("check cancelled")
		return
	}

	var out schema.JobOutput
	if err != nil {
		log.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("check could not run")
		out = failedOutput(err.Error())
	} else {
		out = res.Output.Clone()
		out.Status = res.Status
	}
	metrics.ChecksTotal.WithLabelValues(string(out.Status)).Inc()
	metrics.CheckDuration.Observe(out.Duration)
	o.record(j, id, out)
}

// record stores the output of one check. Each check is recorded at most
// once and nothing is recorded after the job closed.
func (o *Orchestrator) record(j *job, id string, out schema.JobOutput) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		o.logger.Debug().Str("job", j.id).Str("check", id).Msg("discarding late result")
		return
	}
	if _, dup := j.state.Outputs[id]; dup {
		o.logger.Error().Str("job", j.id).Str("check", id).Msg("check recorded twice, keeping the first result")
		return
	}
	if j.state.Outputs == nil {
		j.state.Outputs = make(map[string]schema.JobOutput, len(j.checks))
	}
	j.state.Outputs[id] = out
	j.order = append(j.order, id)
	o.write(j)
}

// settle writes the terminal state. Callers hold j.mu.
func (o *Orchestrator) settle(j *job, status schema.Status, details *string) {
	j.state.Status = status
	j.state.Details = details
	j.finished = true
	o.write(j)
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	metrics.JobDuration.Observe(time.Since(j.created).Seconds())
}

// write persists the current state and fans it out. Callers hold j.mu.
func (o *Orchestrator) write(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.Put(ctx, j.state.Clone()); err != nil {
		o.logger.Error().Err(err).Str("job", j.id).Str("status", string(j.state.Status)).Msg("writing job state")
	}
	o.publish(j)
}

func (o *Orchestrator) publish(j *job) {
	snap := j.state.Clone()
	o.notifier.Notify(j.callback, snap)
	o.hub.publish(snap)
}

func (o *Orchestrator) checkTimeout(job time.Duration) time.Duration {
	if o.opts.CheckTimeout <= 0 || o.opts.CheckTimeout > job {
		return job
	}
	return o.opts.CheckTimeout
}

func failedOutput(details string) schema.JobOutput {
	return schema.JobOutput{
		Files:   []schema.WorkerFile{},
		Status:  schema.StatusFailure,
		Details: schema.String(details),
	}
}

// Get returns the stored state of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*schema.JobState, error) {
	return o.store.Get(ctx, id)
}

// List returns stored job summaries.
func (o *Orchestrator) List(ctx context.Context, opts storage.ListOptions) ([]storage.JobSummary, error) {
	return o.store.List(ctx, opts)
}

// lookup finds a job by id. It returns the running job when there is
// one, else the stored state. Submit stores Pending before registering the
// job, so a store hit is checked against the registry again.
func (o *Orchestrator) lookup(ctx context.Context, id string) (*job, *schema.JobState, error) {
	if j, ok := o.jobs.Get(id); ok {
		return j, nil, nil
	}
	st, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if j, ok := o.jobs.Get(st.ID); ok {
		return j, nil, nil
	}
	return nil, st, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*schema.JobState, error) {
	j, st, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return st, nil
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Clone(), nil
}

// Cancel stops a running job; it settles as Failure. Unknown jobs yield
// apperr.NotFound and finished ones apperr.Conflict.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	j, st, err := o.lookup(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return apperr.Newf(apperr.Conflict, "job %s already finished with status %s", st.ID, st.Status)
	}
	if !j.abort("job cancelled") {
		return apperr.Newf(apperr.Conflict, "job %s already finished", j.id)
	}
	o.logger.Info().Str("job", j.id).Msg("job cancelled")
	return nil
}

// Watch streams the job's states, starting with the current one. The
// channel is closed after the terminal state; stop releases it early.
func (o *Orchestrator) Watch(ctx context.Context, id string) (<-chan *schema.JobState, func(), error) {
	j, st, err := o.lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if j != nil {
		j.mu.Lock()
		defer j.mu.Unlock()
		ch := o.hub.subscribe(j.id)
		ch <- j.state.Clone()
		stop := func() { o.hub.unsubscribe(j.id, ch) }
		if j.finished {
			stop()
		}
		return ch, stop, nil
	}

	ch := make(chan *schema.JobState, 1)
	ch <- st
	close(ch)
	return ch, func() {}, nil
}

// Running returns the number of jobs in flight.
func (o *Orchestrator) Running() int {
	return o.jobs.Len()
}

// Shutdown stops accepting jobs, cancels the running ones and waits for
// them to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.jobs.CancelAll("orchestrator shutting down")
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
