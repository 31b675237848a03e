package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/takedown/internal/match"
	"github.com/roach88/takedown/internal/scheduler"
	"github.com/roach88/takedown/internal/store"
)

// DurationHeader carries the length of a media upload in milliseconds.
const DurationHeader = "X-Media-Duration-Ms"

// apiError is the body of every error response.
type apiError struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// StartRequest is the body of POST /api/match.
type StartRequest struct {
	Ruleset string        `json:"ruleset"`
	A       match.Entrant `json:"a"`
	B       match.Entrant `json:"b"`
}

// StartResponse is the answer to POST /api/match.
type StartResponse struct {
	ID   string     `json:"id"`
	View match.View `json:"view"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Error: message})
}

// writeFailure maps err onto a status. Engine rejections are client errors.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var me *match.Error
	switch {
	case errors.As(err, &me):
		status := http.StatusConflict
		if me.Code == match.ErrCodeInvalidInput {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, apiError{Error: me.Message, Code: string(me.Code), Details: me.Details})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "station is shutting down")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	v, ok := s.session.Engine.View()
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no match in progress", Code: string(match.ErrCodeNoActiveMatch)})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleStartMatch(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.session.StartMatch(r.Context(), req.Ruleset, req.A, req.B)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	v, _ := s.session.Engine.View()
	writeJSON(w, http.StatusCreated, StartResponse{ID: id, View: v})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd match.Command
	if err := decode(r, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.Op == match.OpStart && cmd.ID == "" {
		if _, err := s.session.StartMatch(r.Context(), cmd.Ruleset, cmd.A, cmd.B); err != nil {
			s.writeFailure(w, err)
			return
		}
	} else if err := s.session.Do(r.Context(), func(e *match.Engine) error { return e.Apply(cmd) }); err != nil {
		s.writeFailure(w, err)
		return
	}

	v, ok := s.session.Engine.View()
	if !ok {
		writeError(w, http.StatusNotFound, "no match in progress")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.Queue.Status(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	failures, err := s.session.Queue.Failures(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.session.Queue.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.session.Queue.Trigger(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.ParseInt(r.Header.Get(DurationHeader), 10, 64)
	if err != nil || ms <= 0 {
		writeError(w, http.StatusBadRequest, DurationHeader+" must be a positive integer")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMedia))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "recording too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read recording: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty recording")
		return
	}

	sub, err := s.session.SubmitMedia(context.WithoutCancel(r.Context()), data, time.Duration(ms)*time.Millisecond, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var initial any
	if v, ok := s.session.Engine.View(); ok {
		initial = v
	}
	s.hub.Serve(w, r, initial)
}
