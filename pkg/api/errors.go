package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/streams"
)

var errRateLimited = errors.New("rate limit exceeded")

func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrThreadNotFound),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, chat.ErrAttachmentNotFound),
		errors.Is(err, chat.ErrShareNotFound),
		errors.Is(err, streams.ErrStreamNotFound),
		errors.Is(err, files.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, chat.ErrInvalidRetryTarget),
		errors.Is(err, chat.ErrInvalidEditTarget),
		errors.Is(err, credentials.ErrUnknownProvider),
		errors.Is(err, files.ErrInvalidUploadURL):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrStreamInFlight):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrFilesUnavailable),
		errors.Is(err, jobs.ErrRunnerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status code. Internal errors are logged and
// answered without details.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		writeErrorMessage(w, status, "internal error")
		return
	}
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("could not write response")
	}
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(chat.ErrInvalidRequest, "invalid json: %v", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
