// Package schema holds the data contracts shared by the sandbox engine.
//
// Worker types (WorkerFile, WorkerEnvironment) know about images and files
// only. Sandbox types (JobInput, JobCreate, JobState, ...) know about checks,
// inputs, outputs and callbacks.
package schema

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strconv"
)

// FileType is the kind of a WorkerFile.
type FileType string

const (
	// FileTypeFile is a regular file; Data is its base64 content.
	FileTypeFile FileType = "File"
	// FileTypeDirectory is a directory; Data is ignored.
	FileTypeDirectory FileType = "Directory"
	// FileTypeDownloader is fetched from the URL held in Data before start.
	FileTypeDownloader FileType = "Downloader"
	// FileTypeUploader is not created; after execution its content is read
	// back and returned base64-encoded in Data.
	FileTypeUploader FileType = "Uploader"
)

// Valid reports whether t is a known file type.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeFile, FileTypeDirectory, FileTypeDownloader, FileTypeUploader:
		return true
	}
	return false
}

// DefaultPermissions is applied when a file omits its permissions. Like
// chmod arguments, permissions are written with octal digits.
const DefaultPermissions = 644

// WorkerFile is a file or directory placed into (or read back from) a worker.
type WorkerFile struct {
	Path        string   `json:"path" validate:"required"`
	Type        FileType `json:"type" validate:"required,filetype"`
	Permissions int      `json:"permissions" validate:"octalperm"`
	Data        *string  `json:"data"`
}

// UnmarshalJSON applies DefaultPermissions when permissions is absent.
func (f *WorkerFile) UnmarshalJSON(b []byte) error {
	type plain WorkerFile
	p := plain{Permissions: DefaultPermissions}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*f = WorkerFile(p)
	return nil
}

// Mode converts the octal-digit permissions into a file mode.
func (f WorkerFile) Mode() (fs.FileMode, error) {
	return ParsePermissions(f.Permissions)
}

// ParsePermissions reads p as octal digits: 644 is 0o644, 4755 is 0o4755.
func ParsePermissions(p int) (fs.FileMode, error) {
	if p < 0 {
		return 0, fmt.Errorf("permissions %d: negative", p)
	}
	v, err := strconv.ParseUint(strconv.Itoa(p), 8, 32)
	if err != nil || v > 0o7777 {
		return 0, fmt.Errorf("permissions %d: not an octal mode", p)
	}
	mode := fs.FileMode(v & 0o777)
	if v&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if v&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if v&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode, nil
}

// DataString returns Data or "" when it is absent.
func (f WorkerFile) DataString() string {
	if f.Data == nil {
		return ""
	}
	return *f.Data
}

// WorkerEnvironment describes the image a worker runs and what it needs
// before it starts.
type WorkerEnvironment struct {
	ID              string       `json:"id" validate:"required"`
	Image           string       `json:"image" validate:"required"`
	ImagePullSecret *string      `json:"image_pull_secret"`
	Files           []WorkerFile `json:"files" validate:"dive"`
	Command         string       `json:"command" validate:"required"`

	// RequiresUserFiles acts as a predicate over the user's files: every
	// entry must be matched by a user file with the same path, type,
	// permissions and data (data is not compared for directories).
	RequiresUserFiles []WorkerFile `json:"requires_user_files" validate:"dive"`
}

// String returns a pointer to s, for optional fields.
func String(s string) *string {
	return &s
}
