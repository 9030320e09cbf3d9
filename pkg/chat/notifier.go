package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chatstore"
)

// Notifier tells a share recipient about a thread shared with them.
type Notifier interface {
	NotifyShare(ctx context.Context, thread *chatstore.Thread, share *chatstore.Share) error
}

// LogNotifier only logs shares. Outbound email is left to deployments.
type LogNotifier struct{}

func (LogNotifier) NotifyShare(_ context.Context, thread *chatstore.Thread, share *chatstore.Share) error {
	log.Info().
		Str("thread_id", thread.ID).
		Str("share_id", share.ID).
		Str("email", share.Email).
		Msg("thread shared")
	return nil
}
