package cloudsave

import "errors"

var (
	// ErrAuthRequired is returned when there is no signed in user to save for.
	ErrAuthRequired = errors.New("authentication required")
	// ErrNoProvider is returned when no upload provider is configured.
	ErrNoProvider = errors.New("no storage provider")
	// ErrArchiveBuild classifies failures of producing the archive, an empty one included.
	ErrArchiveBuild = errors.New("archive build failed")
	// ErrSaveInProgress is returned when a save is started while another one is running.
	ErrSaveInProgress = errors.New("a save is already in progress")
)

// StageError records the state a save failed in. Its message is the cause's, so it can
// be shown to the user as is.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
