package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xiaoluflow/notecrawler/internal/spider"
)

type startRequest struct {
	Keyword  string `json:"keyword"`
	MaxPages int    `json:"max_pages"`
}

type jobIDRequest struct {
	JobID string `json:"job_id"`
}

// startJob accepts the job and returns 202 before any page work happens.
// An empty body is legal: keyword and max_pages fall back to configured
// defaults.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.jobs.Start(r.Context(), spider.JobParams{
		Spider:   chi.URLParam(r, "spider"),
		Keyword:  req.Keyword,
		MaxPages: req.MaxPages,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Stop)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.jobs.Resume)
}

func (s *Server) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	call func(ctx context.Context, spiderName, jobID string) (spider.Job, error),
) {
	var req jobIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id required")
		return
	}

	job, err := call(r.Context(), chi.URLParam(r, "spider"), req.JobID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.Status(r.Context(), chi.URLParam(r, "spider"), r.URL.Query().Get("job_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) allStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.StatusAll(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// writeDomainError maps the typed crawl errors onto HTTP statuses:
// conflicts and illegal transitions are 409, bad parameters 400,
// unknown spiders or jobs 404, everything else 500.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict   *spider.ConflictError
		transition *spider.TransitionError
		config     *spider.ConfigError
	)
	switch {
	case errors.As(err, &conflict), errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &config):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, spider.ErrSpiderNotFound), errors.Is(err, spider.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
