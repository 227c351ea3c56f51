package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/you/surplus-alerts/internal/matching"
	"github.com/you/surplus-alerts/internal/model"
	"github.com/you/surplus-alerts/internal/records"
)

type readyFlag bool

func (r readyFlag) Ready() bool { return bool(r) }

type fakePreview struct {
	gotStore string
	gotItems []string
}

func (f *fakePreview) Preview(_ context.Context, storeID string, items []string) ([]model.Candidate, error) {
	f.gotStore, f.gotItems = storeID, items
	switch storeID {
	case "ghost":
		return nil, records.ErrStoreNotFound
	case "nowhere":
		return nil, fmt.Errorf("store nowhere: %w", matching.ErrStoreUnlocated)
	case "broken":
		return nil, errors.New("mongo down")
	}
	return []model.Candidate{{UserID: "u1", Item: "bread", DistanceKm: 1.5}}, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	r := NewRouter(Deps{Ready: readyFlag(false), Log: zerolog.Nop()})
	if rec := get(t, r, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get(t, r, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while not ready: %d", rec.Code)
	}

	r = NewRouter(Deps{Ready: readyFlag(true), Log: zerolog.Nop()})
	if rec := get(t, r, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "surplus_worker_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := get(t, NewRouter(Deps{Gatherer: reg, Log: zerolog.Nop()}), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "surplus_worker_test_total 1") {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestPreview(t *testing.T) {
	p := &fakePreview{}
	r := NewRouter(Deps{Preview: p, Log: zerolog.Nop()})

	rec := get(t, r, "/v1/stores/s1/matches?items=Bread,%20cake")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body previewResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if p.gotStore != "s1" || len(p.gotItems) != 2 {
		t.Fatalf("previewer called with %q %v", p.gotStore, p.gotItems)
	}
	if body.StoreID != "s1" || len(body.Candidates) != 1 || body.Candidates[0].UserID != "u1" {
		t.Fatalf("unexpected body %+v", body)
	}
	if len(body.Items) != 2 || body.Items[0] != "bread" || body.Items[1] != "cake" {
		t.Fatalf("items should be echoed normalized, got %v", body.Items)
	}
}

func TestPreviewErrors(t *testing.T) {
	r := NewRouter(Deps{Preview: &fakePreview{}, Log: zerolog.Nop()})
	cases := map[string]int{
		"/v1/stores/ghost/matches":   http.StatusNotFound,
		"/v1/stores/nowhere/matches": http.StatusUnprocessableEntity,
		"/v1/stores/broken/matches":  http.StatusInternalServerError,
	}
	for path, want := range cases {
		if rec := get(t, r, path); rec.Code != want {
			t.Errorf("%s: got %d want %d", path, rec.Code, want)
		}
	}
}

func TestPreviewRouteDisabled(t *testing.T) {
	r := NewRouter(Deps{Log: zerolog.Nop()})
	if rec := get(t, r, "/v1/stores/s1/matches"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a previewer, got %d", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewRouter(Deps{Log: zerolog.Nop()}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Serve(ctx, srv, time.Second, zerolog.Nop()); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
}
