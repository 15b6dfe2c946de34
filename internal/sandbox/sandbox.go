package sandbox

import (
	"context"
	"time"

	"github.com/dojocodes/sandbox/internal/schema"
)

// Result is the outcome of one execution. Status is Success, Failure
// (non-zero exit) or Timeout (killed at the deadline).
type Result struct {
	Status   schema.Status
	ExitCode int
	Output   schema.JobOutput
}

// Sandbox runs one effective input inside an environment.
//
// An error means the execution could not be carried out (runtime
// unreachable, image pull failure, bad file data); a program that ran and
// failed is reported through Result.Status instead.
type Sandbox interface {
	Launch(ctx context.Context, env schema.WorkerEnvironment, input schema.JobInput, timeout time.Duration) (*Result, error)
}
