package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	topics   []string
	messages []*message.Message
}

func (r *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, m := range messages {
		r.topics = append(r.topics, topic)
		r.messages = append(r.messages, m)
	}
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestCorrelationPublisherDecorator(t *testing.T) {
	rec := &recordingPublisher{}
	p := CorrelationPublisherDecorator{Publisher: rec}

	withID := message.NewMessage(watermill.NewUUID(), nil)
	withID.SetContext(ContextWithCorrelationID(context.Background(), "req-1"))

	preset := message.NewMessage(watermill.NewUUID(), nil)
	preset.Metadata.Set(CorrelationIDMetadataKey, "kept")

	bare := message.NewMessage(watermill.NewUUID(), nil)

	require.NoError(t, p.Publish("t", withID, preset, bare))
	require.Len(t, rec.messages, 3)
	assert.Equal(t, "req-1", rec.messages[0].Metadata.Get(CorrelationIDMetadataKey))
	assert.Equal(t, "kept", rec.messages[1].Metadata.Get(CorrelationIDMetadataKey))
	assert.True(t, strings.HasPrefix(rec.messages[2].Metadata.Get(CorrelationIDMetadataKey), "gen_"))
}

func levels(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	ret := []string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		ret = append(ret, entry["level"].(string)+" "+entry["message"].(string))
	}
	return ret
}

func TestWatermillQuietTopics(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf).Level(zerolog.TraceLevel)
	w := NewWatermill(logger, WithQuietTopics("streams."))

	w.Info("subscribing", watermill.LogFields{"topic": "generation.requested"})
	w.Info("subscribing", watermill.LogFields{"topic": "streams.s1"})
	w.Debug("sending", watermill.LogFields{"topic": "streams.s1"})
	w.Error("closed", nil, watermill.LogFields{"topic": "streams.s1"})

	scoped := w.With(watermill.LogFields{"topic": "streams.s2"})
	scoped.Info("subscribed", nil)

	other := w.With(watermill.LogFields{"topic": "thread.title"})
	other.Info("subscribed", nil)

	assert.Equal(t, []string{
		"debug subscribing",
		"trace subscribing",
		"trace sending",
		"error closed",
		"trace subscribed",
		"debug subscribed",
	}, levels(t, buf))
}

func TestWatermillDropsBelowLoggerLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWatermill(zerolog.New(buf).Level(zerolog.DebugLevel), WithQuietTopics("streams."))

	w.Info("subscribing", watermill.LogFields{"topic": "streams.s1"})
	w.Info("subscribing", watermill.LogFields{"topic": "generation.requested"})

	assert.Equal(t, []string{"debug subscribing"}, levels(t, buf))
}
