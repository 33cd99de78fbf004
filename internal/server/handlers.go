package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/conneroisu/wildcat/internal/cache"
	"github.com/conneroisu/wildcat/internal/invalidator"
	"github.com/conneroisu/wildcat/internal/pipeline"
	"github.com/conneroisu/wildcat/internal/version"
)

// Status is the body of the status endpoint.
type Status struct {
	WorkerID    int                `json:"worker_id"`
	PID         int                `json:"pid"`
	Environment string             `json:"environment"`
	Version     string             `json:"version"`
	Stages      []string           `json:"stages"`
	Cache       cache.Stats        `json:"cache"`
	Requests    pipeline.Stats     `json:"requests"`
	Invalidator *invalidator.Stats `json:"invalidator,omitempty"`
	Clients     int                `json:"clients"`
}

// Status collects the worker's counters.
func (w *Worker) Status() Status {
	s := Status{
		WorkerID:    w.id,
		PID:         os.Getpid(),
		Environment: w.cfg.Server.Environment,
		Version:     version.Short(),
		Stages:      w.pipeline.Stages(),
		Cache:       w.cache.Stats(),
		Requests:    w.pipeline.Stats(),
	}
	if w.invalidator != nil {
		stats := w.invalidator.Stats()
		s.Invalidator = &stats
	}
	if w.notifier != nil {
		s.Clients = w.notifier.Len()
	}
	return s
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	w.writeJSON(rw, r, http.StatusOK, w.Status())
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	w.writeJSON(rw, r, http.StatusOK, map[string]any{
		"status":    "healthy",
		"worker_id": w.id,
		"timestamp": time.Now().UTC(),
	})
}

func (w *Worker) writeJSON(rw http.ResponseWriter, r *http.Request, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		w.logger.Warn(r.Context(), err, "Failed to encode response", "path", r.URL.Path)
	}
}
