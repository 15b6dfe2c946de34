// Package filematch checks submitted files against an environment's file
// requirements.
package filematch

import (
	"fmt"
	"strings"

	"github.com/dojocodes/sandbox/internal/apperr"
	"github.com/dojocodes/sandbox/internal/schema"
)

// MissingFileError reports a requirement no candidate has the path of.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("missing file %q", e.Path)
}

// MismatchError reports a candidate with the right path whose other fields
// differ from the requirement.
type MismatchError struct {
	Path   string
	Fields []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("file %q does not match requirement (%s)", e.Path, strings.Join(e.Fields, ", "))
}

// Matches checks required against the first candidate sharing its path.
// It returns nil, a *MissingFileError or a *MismatchError.
func Matches(required schema.WorkerFile, candidates []schema.WorkerFile) error {
	for _, c := range candidates {
		if c.Path != required.Path {
			continue
		}
		if fields := diff(required, c); len(fields) > 0 {
			return &MismatchError{Path: required.Path, Fields: fields}
		}
		return nil
	}
	return &MissingFileError{Path: required.Path}
}

func diff(required, candidate schema.WorkerFile) []string {
	var fields []string
	if required.Type != candidate.Type {
		fields = append(fields, "type")
	}
	if required.Permissions != candidate.Permissions {
		fields = append(fields, "permissions")
	}
	switch required.Type {
	case schema.FileTypeDirectory:
		// data is meaningless for directories
	case schema.FileTypeFile, schema.FileTypeDownloader, schema.FileTypeUploader:
		if !equalData(required.Data, candidate.Data) {
			fields = append(fields, "data")
		}
	}
	return fields
}

func equalData(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// RequirementError collects every requirement that was not met.
type RequirementError struct {
	Failures []error
}

func (e *RequirementError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d file requirement(s) not met: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *RequirementError) Unwrap() []error {
	return e.Failures
}

// RequiresAll checks every requirement without stopping at the first
// failure. The error, when not nil, is an apperr.Validation wrapping a
// *RequirementError.
func RequiresAll(requirements, candidates []schema.WorkerFile) error {
	var failures []error
	for _, req := range requirements {
		if err := Matches(req, candidates); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	reqErr := &RequirementError{Failures: failures}
	details := make([]string, len(failures))
	for i, f := range failures {
		details[i] = f.Error()
	}
	return &apperr.Error{
		Kind:    apperr.Validation,
		Message: "user files do not satisfy environment requirements",
		Details: details,
		Err:     reqErr,
	}
}
