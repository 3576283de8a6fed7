// Package api exposes the operator HTTP surface: health and metrics probes,
// checkpoint and suspension inspection, document-queue introspection, crawl
// submission, and the explicit requeue/resume actions that reopen terminal
// states.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/governor"
	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
	readyProbeTimeout  = 3 * time.Second
)

// Launcher starts and stops crawl runs on behalf of the API. The serve
// command backs it with the background crawl service.
type Launcher interface {
	// Launch begins a run per target, skipping targets already running.
	Launch(targets []portal.CrawlTarget) (started, skipped []string)
	// Stop cancels one live run by target key.
	Stop(key string) bool
	// Running lists the keys of in-flight targets.
	Running() []string
}

// Config shapes the HTTP surface.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Deps carries the server's collaborators. Checkpoints and Documents are
// required; Launcher and Governor enrich responses when present.
type Deps struct {
	Checkpoints store.CheckpointStore
	Documents   store.DocumentStore
	Launcher    Launcher
	Governor    *governor.Governor
}

// Server wires HTTP handlers to the stores and the crawl launcher.
type Server struct {
	cfg      Config
	cps      store.CheckpointStore
	docs     store.DocumentStore
	launcher Launcher
	gov      *governor.Governor
	logger   *zap.Logger
	router   chi.Router
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Checkpoints == nil {
		return nil, errors.New("api: checkpoint store required")
	}
	if deps.Documents == nil {
		return nil, errors.New("api: document store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		cps:      deps.Checkpoints,
		docs:     deps.Documents,
		launcher: deps.Launcher,
		gov:      deps.Governor,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Get("/suspended", s.listSuspended)
			r.Post("/{category}/{window}/{mode}/resume", s.resumeTarget)
		})
		r.Route("/documents", func(r chi.Router) {
			r.Get("/failed", s.listFailedDocuments)
			r.Get("/stats", s.documentStats)
			r.Post("/{doc_id}/requeue", s.requeueDocument)
		})
		r.Route("/crawls", func(r chi.Router) {
			r.Get("/", s.listCrawls)
			r.Post("/", s.submitCrawl)
			r.Delete("/{category}/{window}/{mode}", s.stopCrawl)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz round-trips the checkpoint store so a dead database flips the probe
// before traffic is routed here.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()
	if _, err := s.cps.List(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	body := map[string]any{"status": "ready"}
	if s.gov != nil {
		body["governor"] = s.gov.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

// targetStatus is the wire form of a checkpoint.
type targetStatus struct {
	Target          string    `json:"target"`
	LastGoodPage    int       `json:"last_good_page"`
	RecordsOnPage   int       `json:"records_on_last_good_page"`
	CorruptionCount int       `json:"corruption_events"`
	Suspended       bool      `json:"suspended"`
	SuspendedReason string    `json:"suspended_reason,omitempty"`
	ResumePage      int       `json:"resume_page"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toTargetStatus(cp portal.Checkpoint) targetStatus {
	return targetStatus{
		Target:          cp.Target.Key(),
		LastGoodPage:    cp.LastGoodPage,
		RecordsOnPage:   cp.RecordsSeenOnLastGoodPage,
		CorruptionCount: cp.CorruptionEventCount,
		Suspended:       cp.Suspended,
		SuspendedReason: cp.SuspendedReason,
		ResumePage:      cp.ResumePage(),
		UpdatedAt:       cp.UpdatedAt,
	}
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	cps, err := s.cps.List(r.Context())
	if err != nil {
		s.logger.Error("list targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list targets failed")
		return
	}
	out := make([]targetStatus, 0, len(cps))
	for _, cp := range cps {
		out = append(out, toTargetStatus(cp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *Server) listSuspended(w http.ResponseWriter, r *http.Request) {
	cps, err := s.cps.List(r.Context())
	if err != nil {
		s.logger.Error("list suspended targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list targets failed")
		return
	}
	out := make([]targetStatus, 0)
	for _, cp := range cps {
		if cp.Suspended {
			out = append(out, toTargetStatus(cp))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *Server) resumeTarget(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "category") + "/" + chi.URLParam(r, "window") + "/" + chi.URLParam(r, "mode")
	target, err := portal.ParseTarget(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cps.Resume(r.Context(), target); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target has no checkpoint")
			return
		}
		s.logger.Error("resume target failed", zap.String("target", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	s.logger.Info("target resumed", zap.String("target", key))
	writeJSON(w, http.StatusOK, map[string]any{"target": key, "suspended": false})
}

// failedDocument is the wire form of a permanently failed ref.
type failedDocument struct {
	DocID          string    `json:"doc_id"`
	TenderID       string    `json:"tender_id"`
	RemoteLocation string    `json:"remote_location"`
	Label          string    `json:"label,omitempty"`
	Attempts       int       `json:"attempts"`
	FailureReason  string    `json:"failure_reason"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s *Server) listFailedDocuments(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultFailedLimit, maxFailedLimit)
	refs, err := s.docs.ListFailed(r.Context(), limit)
	if err != nil {
		s.logger.Error("list failed documents failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed documents failed")
		return
	}
	out := make([]failedDocument, 0, len(refs))
	for _, ref := range refs {
		out = append(out, failedDocument{
			DocID:          ref.DocID,
			TenderID:       ref.TenderID,
			RemoteLocation: ref.RemoteLocation,
			Label:          ref.Label,
			Attempts:       ref.Attempts,
			FailureReason:  ref.FailureReason,
			UpdatedAt:      ref.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) documentStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.docs.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("document stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "document stats failed")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "by_status": counts})
}

func (s *Server) requeueDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "doc_id")
	if err := s.docs.Requeue(r.Context(), docID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		// Requeue is only legal from failed; anything else is a state
		// conflict, not a server fault.
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("document requeued", zap.String("doc_id", docID))
	writeJSON(w, http.StatusOK, map[string]string{"doc_id": docID, "status": string(portal.ExtractionPending)})
}

type crawlRequest struct {
	Targets []string `json:"targets"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl submission not available")
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one target required")
		return
	}
	targets := make([]portal.CrawlTarget, 0, len(req.Targets))
	for _, key := range req.Targets {
		target, err := portal.ParseTarget(key)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("target %q: %v", key, err))
			return
		}
		targets = append(targets, target)
	}

	started, skipped := s.launcher.Launch(targets)
	s.logger.Info("crawl submitted",
		zap.Strings("started", started),
		zap.Strings("skipped", skipped),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started, "skipped": skipped})
}

func (s *Server) listCrawls(w http.ResponseWriter, _ *http.Request) {
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl submission not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.launcher.Running()})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl submission not available")
		return
	}
	key := chi.URLParam(r, "category") + "/" + chi.URLParam(r, "window") + "/" + chi.URLParam(r, "mode")
	if _, err := portal.ParseTarget(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.launcher.Stop(key) {
		writeError(w, http.StatusNotFound, "target is not running")
		return
	}
	s.logger.Info("crawl stop requested", zap.String("target", key))
	writeJSON(w, http.StatusOK, map[string]any{"target": key, "stopping": true})
}

func queryLimit(r *http.Request, def, ceil int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > ceil {
		return ceil
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
