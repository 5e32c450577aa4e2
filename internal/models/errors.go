package models

import "fmt"

// NotFoundError reports that an identifier matched no container, image
// or archive. It aborts only the operation that raised it.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no container, ID or image matches '%s'", e.Identifier)
}

// ExtractionError reports that an archive could not be unpacked at all.
// Fatal for the restore of that archive.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract archive %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// InvalidArchiveError reports an archive whose manifest is missing or
// unparsable. Fatal for the restore of that archive.
type InvalidArchiveError struct {
	Reason string
}

func (e *InvalidArchiveError) Error() string {
	return fmt.Sprintf("invalid archive: %s", e.Reason)
}

// Warning kinds recorded during a run. Warnings never abort the
// surrounding loop; they degrade the final status to partially
// successful.
const (
	WarnCapture              = "capture"
	WarnReconstruction       = "reconstruction"
	WarnConfirmationDeclined = "confirmation-declined"
)

// Warning is a recorded, non-fatal failure of a single item.
type Warning struct {
	Kind    string
	Subject string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s: %s", w.Kind, w.Subject, w.Message)
}
