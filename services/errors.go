package services

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the media pipeline. Callers match them with errors.Is.
var (
	ErrMediaNotFound        = errors.New("media not found")
	ErrResourceUnavailable  = errors.New("resource unavailable")
	ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")
	ErrDecode               = errors.New("media decode failed")
	ErrEncode               = errors.New("media encode failed")
	ErrCleanup              = errors.New("cleanup failed")
)

// PipelineError reports which pipeline step failed.
type PipelineError struct {
	Step string
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline step %q failed: %v", e.Step, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// kindError attaches an error kind to a cause so both match errors.Is.
func kindError(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}
