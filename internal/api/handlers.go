package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/fetcher"
)

type startCrawlRequest struct {
	Keywords          []string `json:"keywords"`
	PriceMin          float64  `json:"price_min"`
	PriceMax          float64  `json:"price_max"`
	IncludeWarehouses []string `json:"include_warehouses"`
	ExcludeWarehouses []string `json:"exclude_warehouses"`
	IncludeCategories []string `json:"include_categories"`
	ExcludeCategories []string `json:"exclude_categories"`
}

type startCrawlResponse struct {
	JobID               string `json:"job_id"`
	Status              string `json:"status"`
	Message             string `json:"message"`
	SearchURLsSubmitted int    `json:"search_urls_submitted"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Keywords) == 0 {
		writeError(w, http.StatusBadRequest, "keywords required")
		return
	}
	if req.PriceMin < 0 || (req.PriceMax > 0 && req.PriceMax < req.PriceMin) {
		writeError(w, http.StatusBadRequest, "invalid price range")
		return
	}

	job, seeded, err := s.controller.StartJob(r.Context(), crawl.JobConfig{
		Keywords:          req.Keywords,
		PriceMin:          req.PriceMin,
		PriceMax:          req.PriceMax,
		IncludeWarehouses: req.IncludeWarehouses,
		ExcludeWarehouses: req.ExcludeWarehouses,
		IncludeCategories: req.IncludeCategories,
		ExcludeCategories: req.ExcludeCategories,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, startCrawlResponse{
		JobID:               job.ID,
		Status:              string(job.Status),
		Message:             fmt.Sprintf("started crawl job with %d search URLs queued", seeded),
		SearchURLsSubmitted: seeded,
	})
}

type jobListResponse struct {
	Items []crawl.Job `json:"items"`
	Total int         `json:"total"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []crawl.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Items: jobs, Total: len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.controller.CancelJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobLogsResponse struct {
	JobID string           `json:"job_id"`
	Logs  []crawl.LogEntry `json:"logs"`
}

func (s *Server) getJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	logs, err := s.jobs.Logs(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			since = n
		}
	}
	if since > len(logs) {
		since = len(logs)
	}
	tail := logs[since:]
	if tail == nil {
		tail = []crawl.LogEntry{}
	}
	writeJSON(w, http.StatusOK, jobLogsResponse{JobID: jobID, Logs: tail})
}

// crawlWebhook is the fetcher callback ingress. It must respond 200
// quickly regardless of payload contents; heavy work continues in the
// background.
func (s *Server) crawlWebhook(w http.ResponseWriter, r *http.Request) {
	var payload fetcher.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Warn("undecodable webhook payload", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.IngressTimeout)
	defer cancel()
	s.hook.HandlePayload(ctx, payload)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type exclusionCreateRequest struct {
	RuleType string `json:"rule_type"`
	Value    string `json:"value"`
	Reason   string `json:"reason,omitempty"`
}

type exclusionListResponse struct {
	Items []crawl.ExclusionRule `json:"items"`
	Total int                   `json:"total"`
}

func (s *Server) listExclusions(w http.ResponseWriter, r *http.Request) {
	kind := crawl.RuleKind(r.URL.Query().Get("rule_type"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown rule_type")
		return
	}
	rules, err := s.exclusions.List(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list exclusion rules")
		return
	}
	if rules == nil {
		rules = []crawl.ExclusionRule{}
	}
	writeJSON(w, http.StatusOK, exclusionListResponse{Items: rules, Total: len(rules)})
}

func (s *Server) createExclusion(w http.ResponseWriter, r *http.Request) {
	var req exclusionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind := crawl.RuleKind(req.RuleType)
	if !kind.Valid() || req.Value == "" {
		writeError(w, http.StatusBadRequest, "rule_type and value required")
		return
	}

	rule, err := s.exclusions.Create(r.Context(), crawl.ExclusionRule{
		ID:        s.ids.ItemID(),
		Kind:      kind,
		Value:     req.Value,
		Reason:    req.Reason,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, crawl.ErrConflict) {
			writeError(w, http.StatusConflict, "rule already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	if s.rulesCache != nil {
		s.rulesCache.Invalidate()
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) deleteExclusion(w http.ResponseWriter, r *http.Request) {
	err := s.exclusions.Delete(r.Context(), chi.URLParam(r, "rule_id"))
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	if s.rulesCache != nil {
		s.rulesCache.Invalidate()
	}
	w.WriteHeader(http.StatusNoContent)
}
