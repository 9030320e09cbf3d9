package chat

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/threadline/pkg/chatstore"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRetryTarget = errors.New("invalid retry target")
	ErrInvalidEditTarget  = errors.New("only user messages can be edited")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Re-exported so callers of this package need not import chatstore to match errors.
var (
	ErrThreadNotFound     = chatstore.ErrThreadNotFound
	ErrMessageNotFound    = chatstore.ErrMessageNotFound
	ErrAttachmentNotFound = chatstore.ErrAttachmentNotFound
	ErrShareNotFound      = chatstore.ErrShareNotFound
	ErrStreamInFlight     = chatstore.ErrStreamInFlight
)
