// Package api exposes the scheduler over HTTP: request admission,
// status, cancellation, model drain, stats, health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/scheduler"
	"github.com/praghav/modelqueue/internal/scheduler/backpressure"
)

type Server struct {
	sched *scheduler.Scheduler
	mux   *http.ServeMux
}

func NewServer(sched *scheduler.Scheduler) *Server {
	s := &Server{sched: sched, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/requests/{id}", s.handleStatus)
	s.mux.HandleFunc("DELETE /v1/requests/{id}", s.handleCancel)
	s.mux.HandleFunc("POST /v1/models/{model}/drain", s.handleDrain)
	s.mux.HandleFunc("GET /v1/models/{model}/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/models/{model}/fairness", s.handleFairness)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type submitBody struct {
	ModelID         string            `json:"model_id"`
	Priority        string            `json:"priority"`
	DeadlineMs      int64             `json:"deadline_ms,omitempty"`
	EstimatedTokens int               `json:"estimated_tokens,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sub := scheduler.SubmitRequest{
		ModelID:         body.ModelID,
		Priority:        constants.Priority(body.Priority),
		EstimatedTokens: body.EstimatedTokens,
		Metadata:        body.Metadata,
	}
	if body.DeadlineMs > 0 {
		sub.Deadline = time.Now().Add(time.Duration(body.DeadlineMs) * time.Millisecond)
	}

	req, err := s.sched.Submit(sub)
	if err != nil {
		var rej *backpressure.RejectionError
		switch {
		case errors.As(err, &rej) && rej.Reason == constants.ReasonRateLimited:
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.As(err, &rej):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.sched.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.sched.Cancel(r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, scheduler.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeout_secs"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout_secs")
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	if err := s.sched.DrainModel(r.PathValue("model"), timeout); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.sched.Health(r.PathValue("model"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleFairness(w http.ResponseWriter, r *http.Request) {
	fs, err := s.sched.Fairness(r.PathValue("model"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
