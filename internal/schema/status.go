package schema

// Status is the lifecycle state of a job, and the outcome of a single check.
type Status string

const (
	StatusPending Status = "Pending"
	StatusStarted Status = "Started"
	StatusFailure Status = "Failure"
	StatusTimeout Status = "Timeout"
	StatusSuccess Status = "Success"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusFailure, StatusTimeout, StatusSuccess:
		return true
	}
	return false
}

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailure, StatusTimeout, StatusSuccess:
		return true
	case StatusPending, StatusStarted:
		return false
	}
	return false
}
