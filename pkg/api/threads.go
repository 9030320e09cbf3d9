package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/chatstore"
)

// registerThreads registers the thread and message routes.
func (s *Server) registerThreads(r *mux.Router) {
	// Collection routes
	r.HandleFunc("/threads", s.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/shared", s.listSharedThreads).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.sendMessage).Methods(http.MethodPost)

	// Single thread routes
	r.HandleFunc("/threads/{id}", s.getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", s.deleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/title", s.renameThread).Methods(http.MethodPut)
	r.HandleFunc("/threads/{id}/pin", s.togglePin).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/model", s.setThreadModel).Methods(http.MethodPut)
	r.HandleFunc("/threads/{id}/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/branch", s.branchOff).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/export", s.exportThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/shares", s.shareThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/shares", s.listShares).Methods(http.MethodGet)
	r.HandleFunc("/shares/{id}", s.removeShare).Methods(http.MethodDelete)

	// Message and stream scoped routes
	r.HandleFunc("/messages/{id}/retry", s.retryMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/edit", s.editMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/search-results", s.listSearchResults).Methods(http.MethodGet)
	r.HandleFunc("/streams/{id}/stop", s.stopStreaming).Methods(http.MethodPost)
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.chat.ListThreads(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

func (s *Server) listSharedThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.chat.ListSharedThreads(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

// sendMessage handles POST /api/messages. Without a threadId the message
// starts a new thread.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.chat.SendMessage(r.Context(), caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.chat.GetThread(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteThread(r.Context(), caller(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.chat.RenameThread(r.Context(), caller(r), mux.Vars(r)["id"], req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) togglePin(w http.ResponseWriter, r *http.Request) {
	t, err := s.chat.TogglePin(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) setThreadModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.chat.SetThreadModel(r.Context(), caller(r), mux.Vars(r)["id"], req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.ListMessages(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) listSearchResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.chat.ListSearchResults(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"searchResults": results})
}

type regenerateRequest struct {
	Model string `json:"model,omitempty"`
}

func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	res, err := s.chat.Retry(r.Context(), caller(r), mux.Vars(r)["id"], req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content     string                    `json:"content"`
		Attachments []chatstore.AttachmentRef `json:"attachments,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.chat.Edit(r.Context(), caller(r), mux.Vars(r)["id"], req.Content, req.Attachments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) branchOff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"messageId"`
		Model     string `json:"model,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MessageID == "" {
		writeError(w, errors.Wrap(chat.ErrInvalidRequest, "messageId is required"))
		return
	}
	threadID, err := s.chat.BranchOff(r.Context(), caller(r), mux.Vars(r)["id"], req.MessageID, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"threadId": threadID})
}

func (s *Server) stopStreaming(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.chat.StopStreaming(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) exportThread(w http.ResponseWriter, r *http.Request) {
	format := chat.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = chat.ExportMarkdown
	}
	b, err := s.chat.ExportThread(r.Context(), caller(r), mux.Vars(r)["id"], format)
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := "text/markdown; charset=utf-8"
	if format == chat.ExportYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) shareThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emails []string `json:"emails"`
		Note   string   `json:"note,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	shares, err := s.chat.ShareThread(r.Context(), caller(r), mux.Vars(r)["id"], req.Emails, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shares": shares})
}

func (s *Server) listShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.chat.ListShares(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shares": shares})
}

func (s *Server) removeShare(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.RemoveShare(r.Context(), caller(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
