package streams

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Channel names one of the two sub-channels a generation writes to.
type Channel string

const (
	ChannelReasoning Channel = "reasoning"
	ChannelAnswer    Channel = "answer"
)

const (
	ReasoningOpenTag  = "<reasoning>"
	ReasoningCloseTag = "</reasoning>"
)

type Chunk struct {
	Channel Channel `json:"channel"`
	Text    string  `json:"text"`
}

// Meta is the mutable header of a stream. Revision grows by one on every
// append and every status change.
type Meta struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Chunks    int       `json:"chunks"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Body is a consistent snapshot of a stream.
type Body struct {
	Meta
	Parts []Chunk `json:"-"`
}

func (b *Body) channel(ch Channel) string {
	var sb strings.Builder
	for _, c := range b.Parts {
		if c.Channel == ch {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func (b *Body) Answer() string {
	return b.channel(ChannelAnswer)
}

func (b *Body) Reasoning() string {
	return b.channel(ChannelReasoning)
}

// Tagged renders the body as a single text where reasoning is wrapped in
// reasoning tags. The closing tag is written once answer text follows, so a
// longer body always renders to an extension of a shorter one.
func (b *Body) Tagged() string {
	var sb strings.Builder
	inReasoning := false
	for _, c := range b.Parts {
		switch c.Channel {
		case ChannelReasoning:
			if !inReasoning {
				sb.WriteString(ReasoningOpenTag)
				inReasoning = true
			}
		case ChannelAnswer:
			if inReasoning {
				sb.WriteString(ReasoningCloseTag)
				inReasoning = false
			}
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}

type Format string

const (
	FormatTagged Format = "tagged"
	FormatJSON   Format = "json"
)

// Snapshot is the wire shape of a stream body.
type Snapshot struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Answer    string `json:"answer,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	Revision  int64  `json:"revision"`
}

func (b *Body) Snapshot(format Format) Snapshot {
	ret := Snapshot{
		ID:       b.ID,
		Status:   b.Status,
		Error:    b.Error,
		Revision: b.Revision,
	}
	switch format {
	case FormatJSON:
		ret.Answer = b.Answer()
		ret.Reasoning = b.Reasoning()
		ret.Text = ret.Answer
	default:
		ret.Text = b.Tagged()
	}
	return ret
}

// SplitTagged is the inverse of Tagged for text that came over the wire.
func SplitTagged(text string) (reasoning string, answer string) {
	var r, a strings.Builder
	for text != "" {
		open := strings.Index(text, ReasoningOpenTag)
		if open < 0 {
			a.WriteString(text)
			break
		}
		a.WriteString(text[:open])
		text = text[open+len(ReasoningOpenTag):]
		end := strings.Index(text, ReasoningCloseTag)
		if end < 0 {
			r.WriteString(text)
			break
		}
		r.WriteString(text[:end])
		text = text[end+len(ReasoningCloseTag):]
	}
	return r.String(), a.String()
}
