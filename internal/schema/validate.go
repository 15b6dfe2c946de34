package schema

import (
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/dojocodes/sandbox/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("filetype", func(fl validator.FieldLevel) bool {
		return FileType(fl.Field().String()).Valid()
	})
	v.RegisterValidation("octalperm", func(fl validator.FieldLevel) bool {
		_, err := ParsePermissions(int(fl.Field().Int()))
		return err == nil
	})
	return v
}

// Validate checks a job request. The returned error is an apperr.Validation
// listing every problem found.
func (c *JobCreate) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperr.Wrap(err, apperr.Validation, "invalid job")
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
	}

	problems = append(problems, checkFileSet("environment.files", c.Environment.Files)...)
	problems = append(problems, checkFileSet("environment.requires_user_files", c.Environment.RequiresUserFiles)...)
	problems = append(problems, checkFileSet("user_files", c.UserFiles)...)
	problems = append(problems, checkFileSet("base_input.files", c.BaseInput.Files)...)
	for _, id := range sortedKeys(c.Inputs) {
		problems = append(problems, checkFileSet("inputs."+id+".files", c.Inputs[id].Files)...)
	}

	if len(problems) > 0 {
		return apperr.New(apperr.Validation, "invalid job").WithDetails(problems...)
	}
	return nil
}

// checkFileSet enforces unique paths and type-specific data rules.
func checkFileSet(field string, files []WorkerFile) []string {
	var problems []string
	seen := make(map[string]bool, len(files))
	for i, f := range files {
		at := fmt.Sprintf("%s[%d]", field, i)
		if seen[f.Path] {
			problems = append(problems, fmt.Sprintf("%s: duplicate path %q", at, f.Path))
		}
		seen[f.Path] = true

		switch f.Type {
		case FileTypeFile:
			if f.Data != nil {
				if _, err := base64.StdEncoding.DecodeString(*f.Data); err != nil {
					problems = append(problems, fmt.Sprintf("%s: data is not base64", at))
				}
			}
		case FileTypeDownloader:
			if f.Data == nil {
				problems = append(problems, fmt.Sprintf("%s: downloader needs a URL in data", at))
			} else if u, err := url.Parse(*f.Data); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				problems = append(problems, fmt.Sprintf("%s: downloader data is not an http(s) URL", at))
			}
		case FileTypeDirectory, FileTypeUploader:
		}
	}
	return problems
}

func sortedKeys(m map[string]JobInput) []string {
	return slices.Sorted(maps.Keys(m))
}
