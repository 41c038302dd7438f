package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(mux)

	counter := httpRequestsTotal.WithLabelValues("GET", "GET /items/{id}", "418")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("counter delta = %v, want 2", got)
	}

	unmatched := httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")
	before = testutil.ToFloat64(unmatched)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if got := testutil.ToFloat64(unmatched) - before; got != 1 {
		t.Errorf("unmatched delta = %v, want 1", got)
	}
}

func TestContentCounters(t *testing.T) {
	before := testutil.ToFloat64(contentBytesDownloaded)
	RecordContentDownload("single", 100, true)
	RecordContentDownload("single", 50, false)
	if got := testutil.ToFloat64(contentBytesDownloaded) - before; got != 150 {
		t.Errorf("downloaded bytes delta = %v, want 150", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordRateLimitHit()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mycloud_rate_limit_hits_total") {
		t.Error("rate limit counter missing from exposition")
	}
}
