package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scrape-service/internal/orchestrator"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

type scrapeRequest struct {
	URL        string            `json:"url"`
	Selectors  map[string]string `json:"selectors"`
	Strategy   scrape.Strategy   `json:"strategy"`
	UseBrowser bool              `json:"use_browser"`
}

type submitResponse struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Status    scrape.Status `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Message   string        `json:"message"`
}

func (req scrapeRequest) toSubmit() orchestrator.SubmitRequest {
	strategy := req.Strategy
	if strategy == "" && req.UseBrowser {
		strategy = scrape.StrategyBrowser
	}
	return orchestrator.SubmitRequest{
		URL:      req.URL,
		Rules:    scrape.Rules(req.Selectors),
		Strategy: strategy,
	}
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}

	job, err := s.service.Submit(r.Context(), userID(r.Context()), req.toSubmit())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	switch job.Status() {
	case scrape.StatusCompleted:
		writeJSON(w, http.StatusOK, job)
	case scrape.StatusFailed:
		writeJSON(w, http.StatusAccepted, submitResponse{
			ID:        job.ID,
			URL:       job.URL,
			Status:    job.Status(),
			CreatedAt: job.CreatedAt,
			Message:   "job could not be dispatched; please retry later",
		})
	default:
		writeJSON(w, http.StatusAccepted, submitResponse{
			ID:        job.ID,
			URL:       job.URL,
			Status:    job.Status(),
			CreatedAt: job.CreatedAt,
			Message:   "job accepted for processing",
		})
	}
}

func (s *Server) getScrape(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.Get(r.Context(), chi.URLParam(r, "job_id"), userID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScrape(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.service.Delete(r.Context(), jobID, userID(r.Context())); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "message": "job deleted"})
}
