package commons

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kbnl/beeldbank-commons/internal/pipeline"
)

// APIError is an {"error": {"code", "info"}} response of the MediaWiki API.
type APIError struct {
	Code string
	Info string

	class error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commons API error %s: %s", e.Code, e.Info)
}

// Unwrap exposes the pipeline class of the error, if any.
func (e *APIError) Unwrap() error { return e.class }

func newAPIError(code, info string) *APIError {
	return &APIError{Code: code, Info: info, class: classify(code)}
}

var retryableCodes = map[string]bool{
	"ratelimited":           true,
	"maxlag":                true,
	"readonly":              true,
	"badtoken":              true,
	"internal_api_error":    true,
	"backend-fail-internal": true,
	"stashfailed":           true,
}

var authCodes = map[string]bool{
	"assertuserfailed":              true,
	"assertbotfailed":               true,
	"notloggedin":                   true,
	"permissiondenied":              true,
	"login-required":                true,
	"mwoauth-invalid-authorization": true,
}

var conflictCodes = map[string]bool{
	"fileexists-forbidden":        true,
	"fileexists-shared-forbidden": true,
	"fileexists-no-change":        true,
	"duplicate":                   true,
	"duplicate-archive":           true,
	"was-deleted":                 true,
}

func classify(code string) error {
	switch {
	case retryableCodes[code], strings.HasPrefix(code, "internal_api_error_"):
		return pipeline.ErrRetryable
	case authCodes[code]:
		return pipeline.ErrAuthentication
	case conflictCodes[code]:
		return pipeline.ErrConflict
	}
	return nil
}

// UploadWarningError is returned when Commons refuses an upload with
// warnings such as "exists" or "duplicate".
type UploadWarningError struct {
	Filename string
	Warnings map[string]string
}

func (e *UploadWarningError) Error() string {
	keys := make([]string, 0, len(e.Warnings))
	for k := range e.Warnings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("upload of %q refused with warnings: %s", e.Filename, strings.Join(keys, ", "))
}

func (e *UploadWarningError) Unwrap() error { return pipeline.ErrConflict }
