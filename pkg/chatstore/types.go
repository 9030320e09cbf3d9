package chatstore

import (
	"time"

	"github.com/huandu/go-clone"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Thread is a conversation container owned by one identity.
type Thread struct {
	ID             string    `json:"id" yaml:"id"`
	Title          string    `json:"title" yaml:"title"`
	Owner          string    `json:"owner" yaml:"owner"`
	Model          string    `json:"model" yaml:"model"`
	Pinned         bool      `json:"pinned" yaml:"pinned"`
	ParentThreadID string    `json:"parentThreadId,omitempty" yaml:"parent_thread_id,omitempty"`
	CreatedAt      time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"updated_at"`
}

func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	ret := *t
	return &ret
}

// Usage holds the generation metrics recorded on an assistant message.
type Usage struct {
	PromptTokens     int     `json:"promptTokens" yaml:"prompt_tokens"`
	CompletionTokens int     `json:"completionTokens" yaml:"completion_tokens"`
	TotalTokens      int     `json:"totalTokens" yaml:"total_tokens"`
	DurationSeconds  float64 `json:"durationSeconds" yaml:"duration_seconds"`
	TokensPerSecond  float64 `json:"tokensPerSecond" yaml:"tokens_per_second"`
}

// AttachmentRef points at a file held by the file storage collaborator.
type AttachmentRef struct {
	StorageID   string `json:"storageId" yaml:"storage_id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	ContentType string `json:"contentType,omitempty" yaml:"content_type,omitempty"`
}

// Message is one turn of a thread.
//
// A non-empty StreamID marks the message as carrying an open stream: its
// answer is still being produced (or was abandoned) in the stream buffer and
// no assistant record has been written for it yet. At most one message per
// thread carries an open stream.
type Message struct {
	ID            string          `json:"id" yaml:"id"`
	ThreadID      string          `json:"threadId" yaml:"thread_id"`
	Seq           int64           `json:"seq" yaml:"seq"`
	Role          Role            `json:"role" yaml:"role"`
	Content       string          `json:"content" yaml:"content"`
	Owner         string          `json:"owner" yaml:"owner"`
	StreamID      string          `json:"streamId,omitempty" yaml:"stream_id,omitempty"`
	Model         string          `json:"model,omitempty" yaml:"model,omitempty"`
	Reasoning     string          `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Stopped       bool            `json:"stopped,omitempty" yaml:"stopped,omitempty"`
	IsSearching   bool            `json:"isSearching,omitempty" yaml:"is_searching,omitempty"`
	SearchQueries []string        `json:"searchQueries,omitempty" yaml:"search_queries,omitempty"`
	Attachments   []AttachmentRef `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Usage         *Usage          `json:"usage,omitempty" yaml:"usage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt" yaml:"created_at"`
}

func (m *Message) HasOpenStream() bool {
	return m != nil && m.StreamID != ""
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return clone.Clone(m).(*Message)
}

// SearchResult is one flattened grounding citation attached to an assistant message.
type SearchResult struct {
	ID         string  `json:"id" yaml:"id"`
	MessageID  string  `json:"messageId" yaml:"message_id"`
	Text       string  `json:"text" yaml:"text"`
	StartIndex *int    `json:"startIndex,omitempty" yaml:"start_index,omitempty"`
	EndIndex   *int    `json:"endIndex,omitempty" yaml:"end_index,omitempty"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
	URI        string  `json:"uri" yaml:"uri"`
	Title      string  `json:"title" yaml:"title"`
}

func (r *SearchResult) Clone() *SearchResult {
	if r == nil {
		return nil
	}
	return clone.Clone(r).(*SearchResult)
}

type Attachment struct {
	ID          string    `json:"id" yaml:"id"`
	Owner       string    `json:"owner" yaml:"owner"`
	Name        string    `json:"name" yaml:"name"`
	Size        int64     `json:"size" yaml:"size"`
	ContentType string    `json:"contentType" yaml:"content_type"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
}

func (a *Attachment) Ref() AttachmentRef {
	return AttachmentRef{StorageID: a.ID, Name: a.Name, ContentType: a.ContentType}
}

// UserConfig is created lazily the first time an identity selects a model.
type UserConfig struct {
	Owner          string    `json:"owner" yaml:"owner"`
	CurrentModel   string    `json:"currentModel" yaml:"current_model"`
	FavoriteModels []string  `json:"favoriteModels" yaml:"favorite_models"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"updated_at"`
}

func (c *UserConfig) Clone() *UserConfig {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*UserConfig)
}

// Share grants read access on a thread to whoever authenticates with Email.
type Share struct {
	ID        string    `json:"id" yaml:"id"`
	ThreadID  string    `json:"threadId" yaml:"thread_id"`
	Owner     string    `json:"owner" yaml:"owner"`
	Email     string    `json:"email" yaml:"email"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

// RewriteTail is the atomic write behind retry and edit: the anchor record is
// replaced, every message after it in the thread is removed together with its
// search results, and the thread's active model is updated. The tail is read
// inside the write, so an answer committed after the caller listed the thread
// is removed too.
type RewriteTail struct {
	ThreadID    string
	Anchor      *Message
	ThreadModel string
}

// ThreadPatch names the thread columns an update touches. Nil fields are
// left as stored.
type ThreadPatch struct {
	Title *string
	// TitleIfEmpty only applies Title while the stored title is empty.
	TitleIfEmpty bool
	Model        *string
	Pinned       *bool
	TogglePinned bool
	UpdatedAt    time.Time
}

// Completion is the compare-and-swap write that closes an open stream.
// It only applies when UserMessageID still references StreamID.
type Completion struct {
	UserMessageID string
	StreamID      string
	Assistant     *Message
	Results       []*SearchResult
}

// Branch is a fully materialized copy of a thread prefix.
type Branch struct {
	Thread   *Thread
	Messages []*Message
	Results  []*SearchResult
}
