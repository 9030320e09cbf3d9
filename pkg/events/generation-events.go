package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	// Separate partial stream for reasoning text
	EventTypePartialThinking EventType = "partial-thinking"
	EventTypeFinal           EventType = "final"
	EventTypeError           EventType = "error"
	// Generation stopped by the user before the provider finished
	EventTypeInterrupt EventType = "interrupt"
	// Grounding citations attached to the answer
	EventTypeCitation EventType = "citation"
	// Image generated and stored as an attachment
	EventTypeImage EventType = "image"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// set when the event was decoded from JSON
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
	Path string `json:"path"`
}

func NewStartEvent(metadata EventMetadata, path string) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
		Path:      path,
	}
}

// EventPartialCompletion carries one answer delta and the answer so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventThinkingPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewThinkingPartialEvent(metadata EventMetadata, delta string, completion string) *EventThinkingPartial {
	return &EventThinkingPartial{
		EventImpl:  EventImpl{Type_: EventTypePartialThinking, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type Citation struct {
	Text       string  `json:"text"`
	URI        string  `json:"uri"`
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
}

type EventCitation struct {
	EventImpl
	Queries   []string   `json:"queries,omitempty"`
	Citations []Citation `json:"citations"`
}

func NewCitationEvent(metadata EventMetadata, queries []string, citations []Citation) *EventCitation {
	return &EventCitation{
		EventImpl: EventImpl{Type_: EventTypeCitation, Metadata_: metadata},
		Queries:   queries,
		Citations: citations,
	}
}

type EventImage struct {
	EventImpl
	StorageID   string `json:"storage_id"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

func NewImageEvent(metadata EventMetadata, storageID string, contentType string, size int) *EventImage {
	return &EventImage{
		EventImpl:   EventImpl{Type_: EventTypeImage, Metadata_: metadata},
		StorageID:   storageID,
		ContentType: contentType,
		Size:        size,
	}
}

// EventMetadata is attached to every event of one generation.
type EventMetadata struct {
	LLMInferenceData
	ID       uuid.UUID `json:"event_id" yaml:"event_id" mapstructure:"event_id"`
	StreamID string    `json:"stream_id,omitempty" yaml:"stream_id,omitempty" mapstructure:"stream_id"`
	ThreadID string    `json:"thread_id,omitempty" yaml:"thread_id,omitempty" mapstructure:"thread_id"`
	Owner    string    `json:"owner,omitempty" yaml:"owner,omitempty" mapstructure:"owner"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.StreamID != "" {
		e.Str("stream_id", em.StreamID)
	}
	if em.ThreadID != "" {
		e.Str("thread_id", em.ThreadID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.StopReason != nil && *em.StopReason != "" {
		e.Str("stop_reason", *em.StopReason)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event payload")
	}
	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return decodeAs[EventStart](e)
	case EventTypePartialCompletion:
		return decodeAs[EventPartialCompletion](e)
	case EventTypePartialThinking:
		return decodeAs[EventThinkingPartial](e)
	case EventTypeFinal:
		return decodeAs[EventFinal](e)
	case EventTypeError:
		return decodeAs[EventError](e)
	case EventTypeInterrupt:
		return decodeAs[EventInterrupt](e)
	case EventTypeCitation:
		return decodeAs[EventCitation](e)
	case EventTypeImage:
		return decodeAs[EventImage](e)
	}

	return e, nil
}

type payloadSetter interface {
	setPayload([]byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func decodeAs[T any](e Event) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok {
		return nil, fmt.Errorf("could not cast event to %T", *new(T))
	}
	ev, ok := any(ret).(Event)
	if !ok {
		return nil, fmt.Errorf("%T is not an event", ret)
	}
	if ps, ok := ev.(payloadSetter); ok {
		ps.setPayload(e.Payload())
	}
	return ev, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil || ret == nil {
		return nil, false
	}

	return ret, true
}
