package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/acquisition-engine/internal/acquire"
)

type submitRequest struct {
	Name        string `json:"job_name"`
	Source      string `json:"source"`
	Category    string `json:"category"`
	TargetCount int    `json:"target_count"`
	Priority    int    `json:"priority"`
}

type standardRequest struct {
	Name string `json:"name"`
}

type submitResponse struct {
	JobID             string  `json:"job_id"`
	EstimatedDuration string  `json:"estimated_duration"`
	EstimatedSeconds  float64 `json:"estimated_duration_seconds"`
}

// jobDTO is the status payload; questions_saved mirrors counters.saved.
type jobDTO struct {
	ID             string              `json:"id"`
	Name           string              `json:"job_name"`
	Source         string              `json:"source"`
	Category       string              `json:"category"`
	Status         acquire.JobStatus   `json:"status"`
	Priority       int                 `json:"priority"`
	QuestionsSaved int                 `json:"questions_saved"`
	TargetCount    int                 `json:"target_count"`
	SuccessRate    float64             `json:"success_rate"`
	Counters       acquire.JobCounters `json:"counters"`
	Stalled        bool                `json:"stalled"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
	LastProgressAt time.Time           `json:"last_progress_at"`
}

func toJobDTO(job acquire.Job) jobDTO {
	return jobDTO{
		ID:             job.ID,
		Name:           job.Name,
		Source:         job.Source,
		Category:       job.Category,
		Status:         job.Status,
		Priority:       job.Priority,
		QuestionsSaved: job.Counters.Saved,
		TargetCount:    job.TargetCount,
		SuccessRate:    job.SuccessRate,
		Counters:       job.Counters,
		Stalled:        job.Stalled,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
		LastProgressAt: job.LastProgressAt,
	}
}

type sourceDTO struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind"`
	BaseURL     string              `json:"base_url"`
	Categories  map[string][]string `json:"categories"`
	TrustWeight float64             `json:"trust_weight"`
	Throughput  float64             `json:"throughput_per_minute"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.jobs.Submit(r.Context(), acquire.JobSpec{
		Name:        strings.TrimSpace(req.Name),
		Source:      strings.TrimSpace(req.Source),
		Category:    strings.TrimSpace(req.Category),
		TargetCount: req.TargetCount,
		Priority:    req.Priority,
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:             res.JobID,
		EstimatedDuration: res.EstimatedDuration.Round(time.Second).String(),
		EstimatedSeconds:  res.EstimatedSeconds,
	})
}

func (s *Server) submitStandardJob(w http.ResponseWriter, r *http.Request) {
	var req standardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing job name")
		return
	}
	if _, ok := s.jobs.Templates()[req.Name]; !ok {
		writeError(w, http.StatusNotFound, "standard job template not found")
		return
	}
	res, err := s.jobs.SubmitStandard(r.Context(), req.Name)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:             res.JobID,
		EstimatedDuration: res.EstimatedDuration.Round(time.Second).String(),
		EstimatedSeconds:  res.EstimatedSeconds,
	})
}

func (s *Server) listStandardJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"standard_jobs": s.jobs.Templates()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(job)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := acquire.JobStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	list, err := s.jobs.List(r.Context(), status)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	out := make([]jobDTO, 0, len(list))
	for _, job := range list {
		out = append(out, toJobDTO(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	mode := acquire.CancelMode(strings.ToLower(r.URL.Query().Get("mode")))
	res, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"), mode)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     toJobDTO(res.Job),
		"changed": res.Changed,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.jobs.Health(r.Context())
	status := http.StatusOK
	if report.Status == acquire.HealthDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	profiles := s.sources.List()
	out := make([]sourceDTO, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, sourceDTO{
			ID:          p.ID,
			Kind:        p.Kind,
			BaseURL:     p.BaseURL,
			Categories:  p.Categories,
			TrustWeight: p.TrustWeight,
			Throughput:  p.Throughput,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Stats(r.Context()))
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, acquire.ErrInvalidJob), errors.Is(err, acquire.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, acquire.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error("job request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
