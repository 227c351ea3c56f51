// Package httpapi serves the worker's operational endpoints: health, readiness,
// Prometheus metrics and a read-only match preview.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/you/surplus-alerts/internal/matching"
	"github.com/you/surplus-alerts/internal/model"
	"github.com/you/surplus-alerts/internal/records"
)

// Readiness reports whether the worker can currently poll its stream.
type Readiness interface {
	Ready() bool
}

// Previewer computes the candidates an event would produce without side effects.
type Previewer interface {
	Preview(ctx context.Context, storeID string, items []string) ([]model.Candidate, error)
}

// Deps are what the handlers need. Nil Ready means always ready; nil Preview
// leaves the preview route unregistered.
type Deps struct {
	Ready    Readiness
	Preview  Previewer
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
	Timeout  time.Duration
}

// NewRouter registers all routes.
func NewRouter(d Deps) *mux.Router {
	if d.Timeout <= 0 {
		d.Timeout = 3 * time.Second
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if d.Ready != nil && !d.Ready.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if d.Preview != nil {
		r.HandleFunc("/v1/stores/{store_id}/matches", previewHandler(d)).Methods(http.MethodGet)
	}
	return r
}

type previewResponse struct {
	StoreID    string            `json:"store_id"`
	Items      []string          `json:"items"`
	Candidates []model.Candidate `json:"candidates"`
}

func previewHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		storeID := mux.Vars(req)["store_id"]
		if strings.TrimSpace(storeID) == "" {
			writeError(w, http.StatusBadRequest, "missing store_id")
			return
		}
		var items []string
		if raw := req.URL.Query().Get("items"); raw != "" {
			items = strings.Split(raw, ",")
		}

		ctx, cancel := context.WithTimeout(req.Context(), d.Timeout)
		defer cancel()
		cands, err := d.Preview.Preview(ctx, storeID, items)
		switch {
		case errors.Is(err, records.ErrStoreNotFound):
			writeError(w, http.StatusNotFound, "store not found")
			return
		case errors.Is(err, matching.ErrStoreUnlocated):
			writeError(w, http.StatusUnprocessableEntity, "store has no usable location")
			return
		case err != nil:
			d.Log.Error().Err(err).Str("store_id", storeID).Msg("preview failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, previewResponse{
			StoreID:    storeID,
			Items:      matching.NormalizeItems(items),
			Candidates: cands,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// NewServer binds the router to addr with the usual timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration, log zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("http server stopped")
	return <-errc
}
