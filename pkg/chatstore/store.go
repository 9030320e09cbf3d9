package chatstore

import "context"

// Store persists threads, messages and the records hanging off them.
//
// Messages of a thread are returned in creation order. The composite writes
// (RewriteTail, CompleteStream, CloneThread, DeleteThread) are all-or-nothing.
type Store interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, owner string) ([]*Thread, error)
	// PatchThread updates only the columns named in p and returns the result.
	PatchThread(ctx context.Context, id string, p ThreadPatch) (*Thread, error)
	DeleteThread(ctx context.Context, id string) error

	// InsertMessage assigns Seq and rejects a second open stream in the same thread.
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByStream(ctx context.Context, streamID string) (*Message, error)
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)
	ListSearchResults(ctx context.Context, messageID string) ([]*SearchResult, error)

	// RewriteTail returns the open stream ids it released, the anchor's
	// previous one included.
	RewriteTail(ctx context.Context, rw RewriteTail) ([]string, error)
	// CompleteStream returns false when the open stream was already closed.
	CompleteStream(ctx context.Context, c Completion) (bool, error)
	CloneThread(ctx context.Context, b Branch) error

	GetUserConfig(ctx context.Context, owner string) (*UserConfig, error)
	PutUserConfig(ctx context.Context, c *UserConfig) error

	PutAttachment(ctx context.Context, a *Attachment) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)
	ListAttachments(ctx context.Context, owner string) ([]*Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error

	PutShare(ctx context.Context, s *Share) error
	GetShare(ctx context.Context, id string) (*Share, error)
	ListShares(ctx context.Context, threadID string) ([]*Share, error)
	ListSharesForEmail(ctx context.Context, email string) ([]*Share, error)
	DeleteShare(ctx context.Context, id string) error

	Close() error
}
