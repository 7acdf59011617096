package extractor

import "fmt"

// ResolutionError represents a failed metadata lookup: the engine could not
// run, returned malformed output or found nothing for the query.
type ResolutionError struct {
	Query  string // The search query as given by the client
	Reason string // Human-readable explanation of the failure
	Err    error  // Underlying error, if any
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %q: %s", e.Query, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// TransferError represents a failed download of a source URL, including
// network failures, unavailable media and engine crashes.
type TransferError struct {
	SourceURL string // The source URL that was being downloaded
	ExitCode  int    // Engine exit code, if it ran (0 when unknown)
	Reason    string // Human-readable explanation of the failure
	Err       error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("download of %s failed (exit %d): %s", e.SourceURL, e.ExitCode, e.Reason)
	}

	return fmt.Sprintf("download of %s failed: %s", e.SourceURL, e.Reason)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
