package services

import (
	"errors"
	"fmt"
)

var (
	// Upload phase, caused by the client.
	ErrInvalidChunkIndex   = errors.New("chunk index out of range")
	ErrInvalidTotalChunks  = errors.New("invalid total chunk count")
	ErrTotalChunksMismatch = errors.New("total chunk count differs from the first chunk")
	ErrSessionExpired      = errors.New("upload session expired")
	ErrInvalidFileName     = errors.New("invalid file name")

	// Processing phase.
	ErrUploadIncomplete  = errors.New("no completed upload for this file")
	ErrOverloaded        = errors.New("too many active jobs")
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrLowDiskSpace      = fmt.Errorf("%w: low disk space", ErrOverloaded)

	// Delivery phase.
	ErrNotReady = errors.New("job has not succeeded")
	ErrNotFound = errors.New("not found")
)

// ConversionError is a non-zero exit of the conversion tool. Tail holds the
// last diagnostic lines, which may contain server paths.
type ConversionError struct {
	ExitCode int
	Tail     string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed (code %d)", e.ExitCode)
}
