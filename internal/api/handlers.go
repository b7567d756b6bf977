package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/ir"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":  code,
		"error": message,
	})
}

// fail maps a workspace error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var e *ir.Error
	if !errors.As(err, &e) {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case ir.ErrCodeValidation:
		status = http.StatusBadRequest
	case ir.ErrCodeNotFound:
		status = http.StatusNotFound
	case ir.ErrCodeAccessDenied:
		status = http.StatusForbidden
	case ir.ErrCodeProvider:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError || status == http.StatusForbidden {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, string(e.Code), err.Error())
}

// decode reads a JSON body strictly. It writes the error response itself
// and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.ws.Registry().ListModels(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	x, err := s.ws.Threads(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

type createThreadRequest struct {
	Title    string `json:"title"`
	ParentID string `json:"parent_id"`
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.ws.CreateThread(r.Context(), req.Title, req.ParentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.ws.Thread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateThreadRequest struct {
	Title        *string `json:"title"`
	Pinned       *bool   `json:"pinned"`
	SystemPrompt *string `json:"system_prompt"`
}

func (s *Server) updateThread(w http.ResponseWriter, r *http.Request) {
	var req updateThreadRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, id := r.Context(), chi.URLParam(r, "id")

	if req.Title != nil {
		if err := s.ws.RenameThread(ctx, id, *req.Title); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := s.ws.PinThread(ctx, id, *req.Pinned); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.SystemPrompt != nil {
		if err := s.ws.SetSystemPrompt(ctx, id, *req.SystemPrompt); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.getThread(w, r)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	removed, err := s.ws.DeleteThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

type moveThreadRequest struct {
	ParentID string `json:"parent_id"`
	Index    *int   `json:"index"`
}

func (s *Server) moveThread(w http.ResponseWriter, r *http.Request) {
	var req moveThreadRequest
	if !decode(w, r, &req) {
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	if err := s.ws.MoveThread(r.Context(), chi.URLParam(r, "id"), req.ParentID, index); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	view, err := s.ws.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type sendMessageRequest struct {
	Content     string          `json:"content"`
	ModelID     string          `json:"model_id"`
	ParentID    string          `json:"parent_id"`
	Attachments []ir.Attachment `json:"attachments"`
}

// sendMessage appends the user message and returns as soon as the reply
// stream is registered. Progress arrives on /api/events.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), "content is required")
		return
	}

	res, err := s.ws.SendMessage(r.Context(), chi.URLParam(r, "id"), app.SendInput{
		Content:     req.Content,
		ModelID:     req.ModelID,
		ParentID:    req.ParentID,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// uploadAttachment stores the raw request body. The returned reference is
// what sendMessage accepts in attachments.
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, app.MaxAttachmentSize))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, string(ir.ErrCodeValidation), "attachment is too large")
			return
		}
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), "failed to read body")
		return
	}
	a, err := s.ws.SaveAttachment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAttachment(w http.ResponseWriter, r *http.Request) {
	a, data, err := s.ws.ReadAttachment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ct := a.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.ws.EditMessage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "msg"), req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.DeleteMessage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "msg")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type regenerateRequest struct {
	ParentID string `json:"parent_id"`
	ModelID  string `json:"model_id"`
}

func (s *Server) regenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !decode(w, r, &req) {
		return
	}
	streamID, err := s.ws.Regenerate(r.Context(), chi.URLParam(r, "id"), req.ParentID, req.ModelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"stream_id": streamID})
}

type selectBranchRequest struct {
	ParentID string `json:"parent_id"`
	Index    int    `json:"index"`
}

func (s *Server) selectBranch(w http.ResponseWriter, r *http.Request) {
	var req selectBranchRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.ws.SelectBranch(r.Context(), id, req.ParentID, req.Index); err != nil {
		s.fail(w, r, err)
		return
	}
	s.conversation(w, r)
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.Streams())
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	info, ok := s.ws.Stream(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, string(ir.ErrCodeNotFound), "stream is not running")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	if !s.ws.StopStream(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, string(ir.ErrCodeNotFound), "stream is not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
