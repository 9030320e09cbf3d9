package helpers

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillZerologAdapter routes watermill's logging into zerolog. Info
// lines become debug lines. Lines about a quiet topic, such as the topic of
// each stream, drop one more level.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
	quiet  []string
	// scoped is set on loggers derived with the fields of a quiet topic
	scoped bool
}

type WatermillOption func(*WatermillZerologAdapter)

// WithQuietTopics demotes lines whose topic field starts with one of prefixes.
func WithQuietTopics(prefixes ...string) WatermillOption {
	return func(w *WatermillZerologAdapter) {
		w.quiet = append(w.quiet, prefixes...)
	}
}

func NewWatermill(logger zerolog.Logger, options ...WatermillOption) *WatermillZerologAdapter {
	ret := &WatermillZerologAdapter{logger: logger}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (w *WatermillZerologAdapter) isQuiet(fields watermill.LogFields) bool {
	if w.scoped {
		return true
	}
	topic, ok := fields["topic"].(string)
	if !ok {
		return false
	}
	for _, p := range w.quiet {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (w *WatermillZerologAdapter) level(l zerolog.Level, fields watermill.LogFields) zerolog.Level {
	if l < zerolog.ErrorLevel && l > zerolog.TraceLevel && w.isQuiet(fields) {
		return l - 1
	}
	return l
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.WithLevel(w.level(zerolog.ErrorLevel, fields)).Fields(fields).Err(err).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.WithLevel(w.level(zerolog.DebugLevel, fields)).Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.WithLevel(w.level(zerolog.DebugLevel, fields)).Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillZerologAdapter{
		logger: w.logger.With().Fields(fields).Logger(),
		quiet:  w.quiet,
		scoped: w.isQuiet(fields),
	}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

// CorrelationIDMetadataKey is the watermill metadata key carrying the id of
// the request that caused a message.
const CorrelationIDMetadataKey = "correlation_id"

type correlationIDKeyType string

const correlationIDKey correlationIDKeyType = "correlation_id"

func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the correlation id stored in ctx, or a
// freshly generated one prefixed with "gen_".
func CorrelationIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(correlationIDKey).(string)
	if ok && v != "" {
		return v
	}
	log.Trace().Msg("correlation ID not found in context")
	return NewCorrelationID()
}

func NewCorrelationID() string {
	return "gen_" + shortuuid.New()
}

// CorrelationPublisherDecorator stamps every published message with the
// correlation id of its context unless one is already set.
type CorrelationPublisherDecorator struct {
	message.Publisher
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for i := range messages {
		if messages[i].Metadata.Get(CorrelationIDMetadataKey) != "" {
			continue
		}
		messages[i].Metadata.Set(CorrelationIDMetadataKey, CorrelationIDFromContext(messages[i].Context()))
	}

	return c.Publisher.Publish(topic, messages...)
}
