package api

import (
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/job"
)

type runRequest struct {
	JobID      string         `json:"job_id,omitempty"`
	Script     string         `json:"script_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type cancelResponse struct {
	JobID     string       `json:"job_id"`
	Cancelled bool         `json:"cancelled"`
	Code      xerrors.Code `json:"code,omitempty"`
	Message   string       `json:"message,omitempty"`
}

type cleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours"`
	MaxJobs     int     `json:"max_jobs"`
}

type cleanupResponse struct {
	Expired int `json:"expired"`
	Trimmed int `json:"trimmed"`
	Deleted int `json:"deleted"`
}

type healthResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Jobs          job.Stats `json:"jobs"`
}

type statsResponse struct {
	Jobs      job.Stats `json:"jobs"`
	Scripts   int       `json:"scripts"`
	Plugins   int       `json:"plugins"`
	Versioned int       `json:"versioned_plugins"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("job service"))
		return
	}
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	submitted, err := s.deps.Jobs.Submit(r.Context(), job.Request{
		ID:         req.JobID,
		Script:     req.Script,
		Parameters: req.Parameters,
		Context:    req.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("job service"))
		return
	}
	j, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("job service"))
		return
	}
	id := chi.URLParam(r, "job_id")
	err := s.deps.Jobs.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, cancelResponse{JobID: id, Cancelled: true})
	case stdErrors.Is(err, job.ErrJobTerminal):
		writeJSON(w, http.StatusConflict, cancelResponse{
			JobID:     id,
			Cancelled: false,
			Code:      job.CodeJobTerminal,
			Message:   err.Error(),
		})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("job service"))
		return
	}
	var opts []job.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+string(status)))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("job service"))
		return
	}
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxAgeHours < 0 || req.MaxJobs < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "cleanup limits must not be negative"))
		return
	}
	report, err := s.deps.Jobs.Cleanup(r.Context(), job.CleanupPolicy{
		MaxAge:  time.Duration(req.MaxAgeHours * float64(time.Hour)),
		MaxJobs: req.MaxJobs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Expired: report.Expired, Trimmed: report.Trimmed, Deleted: report.Deleted()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeSeconds: time.Since(s.started).Seconds()}
	if s.deps.Jobs != nil {
		stats, err := s.deps.Jobs.Stats(r.Context())
		if err != nil {
			resp.Status = "degraded"
		} else {
			resp.Jobs = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if s.deps.Jobs != nil {
		stats, err := s.deps.Jobs.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Jobs = stats
	}
	if s.deps.Scripts != nil {
		resp.Scripts = s.deps.Scripts.Len()
	}
	if s.deps.Plugins != nil {
		resp.Plugins = len(s.deps.Plugins.List())
	}
	if s.deps.Versions != nil {
		if plugins, err := s.deps.Versions.Plugins(r.Context()); err == nil {
			resp.Versioned = len(plugins)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScripts(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scripts == nil {
		writeError(w, unavailable("script catalog"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scripts.List())
}
