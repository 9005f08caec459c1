package transcode

import (
	"fmt"
	"strings"
)

// IngestError is returned when reading the source or feeding the transcoder
// failed.
type IngestError struct {
	Source string
	Err    error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest from %s: %v", e.Source, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// TranscodeError is returned when the transcoding process could not start or
// exited unsuccessfully. Diagnostics holds its last stderr lines.
type TranscodeError struct {
	Source      string
	Destination string
	ExitCode    int
	Diagnostics []string
	Err         error
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("transcode %s -> %s: exit code %d: %v", e.Source, e.Destination, e.ExitCode, e.Err)
	if len(e.Diagnostics) > 0 {
		msg += ": " + e.Diagnostics[len(e.Diagnostics)-1]
	}
	return msg
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// DiagnosticsText joins the retained stderr lines.
func (e *TranscodeError) DiagnosticsText() string {
	return strings.Join(e.Diagnostics, "\n")
}

// EgressError is returned when the destination could not be opened, written,
// committed or stat'ed.
type EgressError struct {
	Destination string
	Err         error
}

func (e *EgressError) Error() string {
	return fmt.Sprintf("egress to %s: %v", e.Destination, e.Err)
}

func (e *EgressError) Unwrap() error { return e.Err }
