package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func serve(h http.Handler, path string) {
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

func TestHTTPMiddleware_LabelsByRoutePattern(t *testing.T) {
	// GIVEN: A router with one parameterised route
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {})

	matched := httpRequestsTotal.WithLabelValues(http.MethodGet, "/items/{id}", "200")
	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, UnmatchedRoute, "404")
	beforeMatched := testutil.ToFloat64(matched)
	beforeUnmatched := testutil.ToFloat64(unmatched)
	beforeSeries := testutil.CollectAndCount(httpRequestsTotal)

	// WHEN: Two items and three unknown paths are requested
	serve(r, "/items/1")
	serve(r, "/items/2")
	serve(r, "/wp-admin")
	serve(r, "/.env")
	serve(r, "/random/scan/path")

	// THEN: Parameters collapse into the pattern and unknown paths share one label
	assert.Equal(t, beforeMatched+2, testutil.ToFloat64(matched))
	assert.Equal(t, beforeUnmatched+3, testutil.ToFloat64(unmatched))
	assert.Equal(t, beforeSeries, testutil.CollectAndCount(httpRequestsTotal))
}
