package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/credentials"
)

func (s *Server) registerConfig(r *mux.Router) {
	r.HandleFunc("/config", s.getUserConfig).Methods(http.MethodGet)
	r.HandleFunc("/config/model", s.selectModel).Methods(http.MethodPut)
	r.HandleFunc("/config/favorites", s.toggleFavorite).Methods(http.MethodPost)

	r.HandleFunc("/attachments/upload-url", s.generateUploadURL).Methods(http.MethodPost)
	r.HandleFunc("/attachments", s.addAttachment).Methods(http.MethodPost)
	r.HandleFunc("/attachments", s.listAttachments).Methods(http.MethodGet)
	r.HandleFunc("/attachments", s.deleteAttachments).Methods(http.MethodDelete)
	r.HandleFunc("/attachments/{id}/url", s.attachmentURL).Methods(http.MethodGet)
}

func (s *Server) registerKeys(r *mux.Router) {
	r.HandleFunc("/keys", s.definedKeys).Methods(http.MethodGet)
	r.HandleFunc("/keys/{provider}", s.setKey).Methods(http.MethodPut)
	r.HandleFunc("/keys/{provider}", s.deleteKey).Methods(http.MethodDelete)
}

type modelRequest struct {
	Model string `json:"model"`
}

func (s *Server) getUserConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.chat.GetUserConfig(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) selectModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.chat.SelectModel(r.Context(), caller(r), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) toggleFavorite(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.chat.ToggleFavoriteModel(r.Context(), caller(r), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) generateUploadURL(w http.ResponseWriter, r *http.Request) {
	u, err := s.chat.GenerateUploadURL(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) addAttachment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StorageID string `json:"storageId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.chat.AddAttachment(r.Context(), caller(r), req.StorageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request) {
	as, err := s.chat.ListAttachments(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": as})
}

func (s *Server) deleteAttachments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.chat.DeleteAttachments(r.Context(), caller(r), req.IDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) attachmentURL(w http.ResponseWriter, r *http.Request) {
	u, err := s.chat.AttachmentURL(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) definedKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": s.keys.Defined(caller(r).ID)})
}

func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	provider, err := credentials.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, errors.Wrap(chat.ErrInvalidRequest, "key is empty"))
		return
	}
	s.keys.Set(caller(r).ID, provider, strings.TrimSpace(req.Key))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	provider, err := credentials.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, err)
		return
	}
	s.keys.Delete(caller(r).ID, provider)
	w.WriteHeader(http.StatusNoContent)
}

// maxUploadBytes bounds a single uploaded file.
const maxUploadBytes = 32 << 20

// uploadFile consumes a single-use upload URL. The file name comes from the
// name query parameter, the content type from the request header.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id, err := s.files.Upload(r.Context(), mux.Vars(r)["token"], name, contentType, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Debug().Str("storage_id", id).Str("name", name).Msg("file uploaded")
	writeJSON(w, http.StatusOK, map[string]string{"storageId": id})
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	rc, meta, err := s.files.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		_ = rc.Close()
	}()
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Debug().Err(err).Str("storage_id", meta.ID).Msg("file download interrupted")
	}
}
