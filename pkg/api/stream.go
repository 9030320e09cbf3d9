package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/streams"
)

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func (s *Server) chatStreamPreflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// streamAccess checks that who may read streamID and returns the job that
// generates it when who owns it. Share recipients read the buffer but never
// drive the generation. A stream no message refers to anymore has been
// finalized or discarded and is readable by id.
func (s *Server) streamAccess(ctx context.Context, who identity.Identity, streamID string) (*chatstore.Message, *jobs.Job, error) {
	msg, err := s.chat.StreamMessage(ctx, who, streamID)
	if err != nil || msg == nil {
		return nil, nil, err
	}
	if msg.Owner != who.ID {
		return msg, nil, nil
	}
	return msg, &jobs.Job{
		Kind:     jobs.KindGeneration,
		StreamID: streamID,
		ThreadID: msg.ThreadID,
		Owner:    msg.Owner,
	}, nil
}

// taggedWriter forwards the part of the tagged rendering not written yet.
type taggedWriter struct {
	w       io.Writer
	flusher http.Flusher
	written int
}

func (t *taggedWriter) write(b *streams.Body) error {
	text := b.Tagged()
	if len(text) <= t.written {
		return nil
	}
	if _, err := io.WriteString(t.w, text[t.written:]); err != nil {
		return err
	}
	t.written = len(text)
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}

// chatStream starts the generation of a stream if nothing runs it, for
// example after a restart, and writes the tagged buffer as it grows. The
// response ends once the buffer is terminal or the job has exited. Readers
// the thread is shared with only watch.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	ctx := r.Context()
	who, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		StreamID string `json:"streamId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.StreamID == "" {
		writeError(w, errors.Wrap(chat.ErrInvalidRequest, "streamId is required"))
		return
	}

	msg, job, err := s.streamAccess(ctx, who, req.StreamID)
	if err != nil {
		writeError(w, err)
		return
	}
	if threadID := r.URL.Query().Get("threadId"); threadID != "" && msg != nil && threadID != msg.ThreadID {
		writeError(w, errors.Wrapf(chat.ErrInvalidRequest, "stream %s does not belong to thread %s", req.StreamID, threadID))
		return
	}
	body, err := s.streams.Get(ctx, req.StreamID)
	if err != nil {
		writeError(w, err)
		return
	}

	var done <-chan struct{}
	if job != nil && !body.Status.Terminal() {
		h, err := s.runner.Ensure(*job)
		if err != nil {
			writeError(w, err)
			return
		}
		done = h.Done()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	tw := &taggedWriter{w: w}
	tw.flusher, _ = w.(http.Flusher)

	if err := tw.write(body); err != nil || body.Status.Terminal() || msg == nil {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-watchCtx.Done():
			}
		}()
	}

	bodies, err := s.streams.Watch(watchCtx, req.StreamID)
	if err != nil {
		log.Warn().Err(err).Str("stream_id", req.StreamID).Msg("could not watch stream")
		return
	}
	for b := range bodies {
		if err := tw.write(b); err != nil {
			log.Debug().Err(err).Str("stream_id", req.StreamID).Msg("client went away")
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	// the job may have written after the last notification we saw
	if b, err := s.streams.Get(ctx, req.StreamID); err == nil {
		_ = tw.write(b)
	}
}

// pollStream serves GET /streams/{id}?after=N&wait=1&format=tagged|json.
// With wait set it holds the request until the text is longer than after
// bytes, the stream is terminal or the poll timeout passes.
func (s *Server) pollStream(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	who, err := s.resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, _, err := s.streamAccess(ctx, who, id); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	after := 0
	if v := q.Get("after"); v != "" {
		after, err = strconv.Atoi(v)
		if err != nil || after < 0 {
			writeError(w, errors.Wrapf(chat.ErrInvalidRequest, "invalid after %q", v))
			return
		}
	}
	format := streams.FormatTagged
	switch v := streams.Format(q.Get("format")); v {
	case "", streams.FormatTagged:
	case streams.FormatJSON:
		format = v
	default:
		writeError(w, errors.Wrapf(chat.ErrInvalidRequest, "unknown format %q", v))
		return
	}
	wait := q.Get("wait") == "1" || q.Get("wait") == "true"

	body, err := s.streams.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if wait {
		waitCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
		defer cancel()
		for len(body.Snapshot(format).Text) <= after && !body.Status.Terminal() {
			next, err := s.streams.Wait(waitCtx, id, body.Revision)
			if next != nil {
				body = next
			}
			if err != nil {
				if waitCtx.Err() != nil {
					break
				}
				writeError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, body.Snapshot(format))
}
