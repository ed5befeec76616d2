package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/faceauth/internal/session"
	"github.com/andresmejia3/faceauth/internal/store"
	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/andresmejia3/faceauth/internal/utils"
	"github.com/go-chi/chi/v5"
)

const errInvalidRequestBody = "invalid request body"

type registerRequest struct {
	Username string `json:"username"`
}

type startResponse struct {
	Handle string `json:"handle"`
}

type identityResponse struct {
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All(r.Context())
	if err != nil {
		s.logger.Error("list identities", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read enrollments")
		return
	}

	filter := r.URL.Query().Get("filter")
	out := make([]identityResponse, 0, len(records))
	for _, rec := range records {
		if !utils.MatchesHint(rec.Identity, filter) {
			continue
		}
		out = append(out, identityResponse{Identity: rec.Identity, CreatedAt: rec.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	s.start(w, r, session.ModeEnroll, req.Username)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, session.ModeLogin, "")
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, mode session.Mode, identity string) {
	name := chi.URLParam(r, "channel")
	ch, err := s.manager.Channel(r.Context(), name)
	if err != nil {
		s.logger.Error("open channel", "channel", name, "error", err)
		respondError(w, http.StatusServiceUnavailable, "channel unavailable")
		return
	}

	handle, err := ch.Start(r.Context(), mode, identity)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, store.ErrIdentityTaken):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrIdentityRequired):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("start session", "channel", name, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	if s.opts.Camera != nil {
		go s.runCamera(ch, handle)
	}
	respondJSON(w, http.StatusCreated, startResponse{Handle: handle})
}

// runCamera drives a session from the server camera until it ends.
func (s *Server) runCamera(ch *session.Channel, handle string) {
	src, err := s.opts.Camera(s.baseCtx)
	if err != nil {
		s.logger.Error("open camera", "channel", ch.Name(), "error", err)
		ch.Cancel(handle)
		return
	}
	defer src.Close()

	outcome, err := ch.Run(s.baseCtx, handle, src)
	if err != nil && !errors.Is(err, session.ErrCancelled) {
		s.logger.Error("camera session failed", "channel", ch.Name(), "error", err)
		return
	}
	if err == nil {
		s.logger.Info("camera session finished", "channel", ch.Name(), "outcome", outcome.String())
	}
}

func (s *Server) submitFrame(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	handle := r.URL.Query().Get("handle")
	if handle == "" {
		st, err := ch.Poll()
		if err != nil {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		handle = st.Handle
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(data) > maxFrameBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "frame too large")
		return
	}
	if !bytes.HasPrefix(data, utils.JpegSOI) {
		respondError(w, http.StatusUnsupportedMediaType, "frame must be a JPEG image")
		return
	}
	if data, err = utils.ScaleJPEG(data, s.opts.FrameScale); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	frame := types.Frame{Index: int(s.frameIndex.Add(1)), Data: data}
	out, err := ch.SubmitFrame(r.Context(), handle, frame)
	if err != nil {
		s.logger.Warn("frame processing failed", "channel", ch.Name(), "error", err)
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	var (
		st  session.Status
		err error
	)
	if handle := r.URL.Query().Get("handle"); handle != "" {
		st, err = ch.Status(handle)
	} else {
		st, err = ch.Poll()
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.manager.Lookup(chi.URLParam(r, "channel"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	handle := r.URL.Query().Get("handle")
	if handle == "" {
		st, err := ch.Poll()
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handle = st.Handle
	}
	if err := ch.Cancel(handle); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupChannel(w http.ResponseWriter, r *http.Request) (*session.Channel, bool) {
	name := strings.TrimSpace(chi.URLParam(r, "channel"))
	ch, ok := s.manager.Lookup(name)
	if !ok {
		respondError(w, http.StatusNotFound, "channel not found")
		return nil, false
	}
	return ch, true
}
