package sandbox

import "slices"

// Pull policies for environment images.
const (
	PullIfMissing = "if-missing"
	PullAlways    = "always"
	PullNever     = "never"
)

// Policy defines resource limits for sandbox execution.
type Policy struct {
	MemoryMB       int64    // Memory limit, swap included
	NanoCPUs       int64    // CPU quota in units of 1e-9 CPUs
	PidsLimit      int64    // Maximum processes in the container
	Network        bool     // Whether network access is allowed
	Images         []string // Allowed images; empty allows any
	Workdir        string   // Working directory, relative file paths land here
	User           string   // User the command runs as; empty keeps the image default
	PullPolicy     string   // One of PullIfMissing, PullAlways, PullNever
	MaxOutputBytes int      // Cap on captured stdout and stderr each
	MaxDownload    int64    // Cap on a single Downloader file
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MemoryMB:       256,
		NanoCPUs:       1_000_000_000,
		PidsLimit:      64,
		Network:        false,
		Workdir:        "/workspace",
		PullPolicy:     PullIfMissing,
		MaxOutputBytes: 1 << 20,
		MaxDownload:    32 << 20,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	if len(p.Images) == 0 {
		return true
	}
	return slices.Contains(p.Images, image)
}
