package schema

import (
	"maps"
	"slices"
)

// DefaultTimeout is the job timeout in seconds when none is given.
const DefaultTimeout = 30

// Callback is where job state updates are posted.
type Callback struct {
	URL   string  `json:"url" validate:"required,url"`
	Token *string `json:"token"`
}

// JobInput is what a single check feeds to a worker. Every field is
// optional and nil means "unset": a nil Parameters falls back to the base
// input while an empty, non-nil one overrides it.
type JobInput struct {
	Stdin      *string      `json:"stdin"`
	Parameters []string     `json:"parameters"`
	Files      []WorkerFile `json:"files" validate:"dive"`

	// Command overrides the environment command. Usually left unset.
	Command *string `json:"command"`
}

// Combine merges the receiver (the default input) with override. Each field
// of override that is set wins; unset fields fall back to the receiver.
//
//	effective := base.Combine(check)
func (in JobInput) Combine(override JobInput) JobInput {
	out := in.Clone()
	if override.Stdin != nil {
		out.Stdin = String(*override.Stdin)
	}
	if override.Parameters != nil {
		out.Parameters = slices.Clone(override.Parameters)
	}
	if override.Files != nil {
		out.Files = cloneFiles(override.Files)
	}
	if override.Command != nil {
		out.Command = String(*override.Command)
	}
	return out
}

// Clone returns a deep copy that keeps nil and empty fields apart.
func (in JobInput) Clone() JobInput {
	out := JobInput{
		Parameters: slices.Clone(in.Parameters),
		Files:      cloneFiles(in.Files),
	}
	if in.Stdin != nil {
		out.Stdin = String(*in.Stdin)
	}
	if in.Command != nil {
		out.Command = String(*in.Command)
	}
	return out
}

// JobCreate is the request to run an environment against a set of inputs.
type JobCreate struct {
	Environment WorkerEnvironment `json:"environment" validate:"required"`

	// BaseInput is the default for every field a check leaves unset.
	BaseInput JobInput `json:"base_input"`

	// Inputs maps check ids to inputs; each entry is one worker execution.
	// It must be present but may be empty.
	Inputs map[string]JobInput `json:"inputs" validate:"required,dive,keys,required,endkeys"`

	// UserFiles are the files the user submitted, usually the solution.
	UserFiles []WorkerFile `json:"user_files" validate:"dive"`

	Callback *Callback `json:"callback"`

	// Timeout bounds the whole job, in seconds. Zero means DefaultTimeout.
	Timeout int `json:"timeout" validate:"gte=0"`
}

// Normalize fills defaults in place.
func (c *JobCreate) Normalize() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserFiles == nil {
		c.UserFiles = []WorkerFile{}
	}
}

// JobOutput is the result of a single check.
type JobOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Files holds every Uploader file read back after execution.
	Files []WorkerFile `json:"files"`

	// Duration is the wall-clock time of the execution in seconds.
	Duration float64 `json:"duration"`

	Status   Status  `json:"status,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
	Details  *string `json:"details,omitempty"`
}

// Clone returns a deep copy of o.
func (o JobOutput) Clone() JobOutput {
	out := o
	out.Files = cloneFiles(o.Files)
	if out.Files == nil {
		out.Files = []WorkerFile{}
	}
	if o.ExitCode != nil {
		code := *o.ExitCode
		out.ExitCode = &code
	}
	if o.Details != nil {
		out.Details = String(*o.Details)
	}
	return out
}

// JobState is the externally visible state of a job, returned by polling
// and posted to callbacks.
type JobState struct {
	ID          string  `json:"id"`
	Status      Status  `json:"status"`
	Environment string  `json:"environment"`
	Details     *string `json:"details"`

	// Outputs maps check ids to their outputs. It is nil until the first
	// check finishes and only grows afterwards.
	Outputs map[string]JobOutput `json:"outputs"`
}

// Clone returns a deep copy of s.
func (s *JobState) Clone() *JobState {
	if s == nil {
		return nil
	}
	out := &JobState{
		ID:          s.ID,
		Status:      s.Status,
		Environment: s.Environment,
	}
	if s.Details != nil {
		out.Details = String(*s.Details)
	}
	if s.Outputs != nil {
		out.Outputs = make(map[string]JobOutput, len(s.Outputs))
		for id, o := range s.Outputs {
			out.Outputs[id] = o.Clone()
		}
	}
	return out
}

// CheckIDs returns the output keys in sorted order.
func (s *JobState) CheckIDs() []string {
	return slices.Sorted(maps.Keys(s.Outputs))
}

func cloneFiles(files []WorkerFile) []WorkerFile {
	if files == nil {
		return nil
	}
	out := make([]WorkerFile, len(files))
	for i, f := range files {
		out[i] = f
		if f.Data != nil {
			out[i].Data = String(*f.Data)
		}
	}
	return out
}
