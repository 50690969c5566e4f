package network

import "errors"

var (
	// ErrNegotiationTimeout is returned when no upload targets arrive in time.
	ErrNegotiationTimeout = errors.New("timed out waiting for upload targets")
	// ErrNegotiationRejected classifies an explicit refusal to hand out upload targets.
	ErrNegotiationRejected = errors.New("upload targets rejected")
	// ErrConfirmationTimeout is returned when the completion is not acknowledged in time.
	ErrConfirmationTimeout = errors.New("timed out waiting for upload confirmation")
	// ErrConfirmationRejected classifies a failed finalization.
	ErrConfirmationRejected = errors.New("upload confirmation rejected")
)

// Stage names the exchange a RejectedError belongs to.
type Stage string

const (
	StageNegotiate Stage = "negotiate"
	StageConfirm   Stage = "confirm"
)

// RejectedError carries the reason the other side gave for refusing an exchange.
// Error returns the reason verbatim so it can be shown to the user as is.
type RejectedError struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Stage) + " rejected"
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrNegotiationRejected) and errors.Is(err, ErrConfirmationRejected) work.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrNegotiationRejected:
		return e.Stage == StageNegotiate
	case ErrConfirmationRejected:
		return e.Stage == StageConfirm
	}
	return false
}
