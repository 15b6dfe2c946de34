package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dojocodes/sandbox/internal/schema"
)

// job is the orchestrator's private, mutable view of one job. Every field
// below mu is guarded by it, and every store write for the job happens
// while holding it.
type job struct {
	id       string
	callback *schema.Callback
	checks   []string // sorted check ids
	timeout  time.Duration
	created  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    *schema.JobState
	order    []string // check ids in completion order
	closed   bool     // late results are discarded
	aborted  string   // reason the job was cancelled, if it was
	finished bool
}

// abort cancels the job unless it already ended or every check has been
// recorded. It reports whether the job is being cancelled.
func (j *job) abort(reason string) bool {
	j.mu.Lock()
	if j.aborted != "" {
		j.mu.Unlock()
		return !j.finished
	}
	if j.finished || j.closed || len(j.unfinished()) == 0 {
		j.mu.Unlock()
		return false
	}
	j.aborted = reason
	j.mu.Unlock()
	j.cancel()
	return true
}

// unfinished returns the checks with no recorded output. Callers hold mu.
func (j *job) unfinished() []string {
	var out []string
	for _, id := range j.checks {
		if _, ok := j.state.Outputs[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// aggregate computes the terminal status and its primary reason from the
// recorded outputs. Callers hold mu.
func (j *job) aggregate(deadlineHit bool) (schema.Status, *string) {
	if missing := j.unfinished(); len(missing) > 0 {
		if j.aborted != "" {
			return schema.StatusFailure, schema.String(j.aborted)
		}
		if deadlineHit {
			return schema.StatusTimeout, schema.String(fmt.Sprintf(
				"job timed out after %s; unfinished checks: %s", j.timeout, strings.Join(missing, ", ")))
		}
		return schema.StatusFailure, schema.String(fmt.Sprintf(
			"checks produced no result: %s", strings.Join(missing, ", ")))
	}

	var firstTimeout, firstFailure string
	for _, id := range j.order {
		switch j.state.Outputs[id].Status {
		case schema.StatusTimeout:
			if firstTimeout == "" {
				firstTimeout = id
			}
		case schema.StatusFailure:
			if firstFailure == "" {
				firstFailure = id
			}
		}
	}

	switch {
	case firstTimeout != "":
		return schema.StatusTimeout, schema.String(reason(firstTimeout, "timed out", j.state.Outputs[firstTimeout]))
	case firstFailure != "":
		return schema.StatusFailure, schema.String(reason(firstFailure, "failed", j.state.Outputs[firstFailure]))
	}
	return schema.StatusSuccess, nil
}

func reason(id, what string, out schema.JobOutput) string {
	if out.Details != nil && *out.Details != "" {
		return fmt.Sprintf("check %s %s: %s", id, what, *out.Details)
	}
	return fmt.Sprintf("check %s %s", id, what)
}

func sortedChecks(inputs map[string]schema.JobInput) []string {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
