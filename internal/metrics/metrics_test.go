package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	r := New()
	r.ObserveRequest("api", "GET", 200, 10*time.Millisecond)
	r.ObserveRequest("api", "GET", 200, 20*time.Millisecond)
	r.ObserveRequest("api", "POST", 404, time.Millisecond)

	if got := testutil.ToFloat64(r.requests.WithLabelValues("api", "GET", "200")); got != 2 {
		t.Errorf("GET 200: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("api", "POST", "404")); got != 1 {
		t.Errorf("POST 404: got %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.latency); got != 1 {
		t.Errorf("latency series: got %d, want 1", got)
	}
}

func TestActiveConns(t *testing.T) {
	r := New()
	r.IncActiveConns("tcp")
	r.IncActiveConns("tcp")
	r.DecActiveConns("tcp")
	if got := testutil.ToFloat64(r.activeConns.WithLabelValues("tcp")); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}
}

func TestUpstreamCounters(t *testing.T) {
	r := New()
	r.IncEjection("web", "10.0.0.1:80", true)
	r.IncReinstatement("web", "10.0.0.1:80")
	r.IncCacheLookup("memory", "api", true)
	r.IncCacheLookup("memory", "api", false)
	r.AddCacheEvictions("api", 3)
	r.AddCacheEvictions("api", 0)

	if got := testutil.ToFloat64(r.ejections.WithLabelValues("web", "10.0.0.1:80", "true")); got != 1 {
		t.Errorf("ejections: got %v", got)
	}
	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("memory", "api", "miss")); got != 1 {
		t.Errorf("misses: got %v", got)
	}
	if got := testutil.ToFloat64(r.cacheEvictions.WithLabelValues("api")); got != 3 {
		t.Errorf("evictions: got %v", got)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.IncRejection("api", "rate_limited")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `stagegate_rejections_total{reason="rate_limited",route="api"} 1`) {
		t.Fatalf("missing rejection counter:\n%s", body)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	r.ObserveRequest("a", "GET", 200, time.Second)
	r.IncActiveConns("x")
	r.IncReload(false)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}
