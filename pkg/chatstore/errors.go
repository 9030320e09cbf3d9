package chatstore

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrThreadNotFound     = errors.New("thread not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrShareNotFound      = errors.New("share not found")
	ErrUserConfigNotFound = errors.New("user config not found")
	ErrStreamInFlight     = errors.New("thread already has a message awaiting generation")
	ErrStoreClosed        = errors.New("store is closed")
)

// StreamInFlightError names the message that already holds the thread's open stream.
type StreamInFlightError struct {
	ThreadID  string
	MessageID string
}

func (e *StreamInFlightError) Error() string {
	if e == nil {
		return ErrStreamInFlight.Error()
	}
	return fmt.Sprintf("%s: thread=%s message=%s", ErrStreamInFlight, e.ThreadID, e.MessageID)
}

func (e *StreamInFlightError) Is(target error) bool { return target == ErrStreamInFlight }
