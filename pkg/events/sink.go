package events

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// TopicGeneration carries every generation lifecycle event.
const TopicGeneration = "generation.events"

// EventSink receives generation events. Implementations must be safe for
// concurrent use since one sink is shared by all running jobs.
type EventSink interface {
	PublishEvent(event Event) error
}

// WatermillSink publishes events as JSON on a watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

var _ EventSink = &WatermillSink{}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	return w.publisher.Publish(w.topic, msg)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) PublishEvent(Event) error { return nil }
