package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/scrape-service/internal/orchestrator"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// listHistory handles GET /v1/history?page=&per_page=&status=&days=.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePositive(q.Get("page"), 1, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	perPage, err := parsePositive(q.Get("per_page"), orchestrator.DefaultPerPage, "per_page")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	filter := orchestrator.HistoryFilter{
		Status:  scrape.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Page:    page,
		PerPage: perPage,
	}
	if raw := q.Get("days"); raw != "" {
		days, err := parsePositive(raw, 0, "days")
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		age, err := orchestrator.HistoryAge(days)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid days")
			return
		}
		since := s.clock.Now().Add(-age)
		filter.Since = &since
	}

	result, err := s.service.ListHistory(r.Context(), userID(r.Context()), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// historyStats handles GET /v1/history/stats.
func (s *Server) historyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// clearHistory handles DELETE /v1/history?days=. Without days every job of
// the caller is removed.
func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	var olderThan *time.Duration
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid days")
			return
		}
		age, err := orchestrator.HistoryAge(days)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid days")
			return
		}
		olderThan = &age
	}
	n, err := s.service.ClearHistory(r.Context(), userID(r.Context()), olderThan)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": n})
}

func parsePositive(raw string, def int, name string) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return val, nil
}
