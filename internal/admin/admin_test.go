package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fabian4/stagegate/internal/cache"
	"github.com/fabian4/stagegate/internal/config"
	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/lb"
	"github.com/fabian4/stagegate/internal/metrics"
	"github.com/fabian4/stagegate/internal/model"
)

const adminYAML = `
entrypoints:
  - {name: web, address: ":8080"}
hosts:
  api: {servers: ["127.0.0.1:9001 max_fails=1", "127.0.0.1:9002"]}
pipes:
  main: [memory_cache_get, round_robin, dispatche, memory_cache_set, return]
routes:
  - name: api
    out: {network: {hosts: api}}
    pipe: main
`

func newServer(t *testing.T) (*Server, *gateway.Instance) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg, err := config.Parse([]byte(adminYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m := metrics.New()
	inst, err := gateway.Build(cfg, m, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(inst.Close)
	return New(func() *gateway.Instance { return inst }, m), inst
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newServer(t)
	rr := do(t, s, "GET", "/healthz")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s, "GET", "/metrics")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func TestUpstreamsAndReinstate(t *testing.T) {
	s, inst := newServer(t)
	p := inst.Groups["api"].Profile
	h, _ := p.Active.At(0)
	p.ReportFailure(h)
	if !p.ReportFailure(h) {
		t.Fatalf("host should be ejected on the second failure")
	}

	rr := do(t, s, "GET", "/upstreams")
	var snap map[string][]lb.HostState
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	hs := snap["api"]
	if len(hs) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}
	for _, st := range hs {
		if (st.Index == 0) != st.Failed {
			t.Fatalf("host %d: failed=%v", st.Index, st.Failed)
		}
	}

	if rr := do(t, s, "POST", "/upstreams/api/hosts/0/reinstate"); rr.Code != 200 {
		t.Fatalf("reinstate: %d %s", rr.Code, rr.Body.String())
	}
	if _, ok := p.Active.Get(0); !ok {
		t.Fatalf("host 0 should be active again")
	}
	if rr := do(t, s, "POST", "/upstreams/api/hosts/0/reinstate"); rr.Code != http.StatusConflict {
		t.Fatalf("second reinstate: got %d, want 409", rr.Code)
	}
	if rr := do(t, s, "POST", "/upstreams/nope/hosts/0/reinstate"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown group: got %d, want 404", rr.Code)
	}
	if rr := do(t, s, "POST", "/upstreams/api/hosts/x/reinstate"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad index: got %d, want 400", rr.Code)
	}
}

func TestPurgeCache(t *testing.T) {
	s, inst := newServer(t)
	store := inst.Routes["api"].Memory
	_ = store.Set(context.Background(), "/a", &model.Response{Status: 200}, cache.Policy{})
	_ = store.Set(context.Background(), "/b", &model.Response{Status: 200}, cache.Policy{})

	rr := do(t, s, "DELETE", "/routes/api/cache")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"purged":2`) {
		t.Fatalf("purge: %d %s", rr.Code, rr.Body.String())
	}
	if store.Len() != 0 {
		t.Fatalf("store not emptied")
	}
	if rr := do(t, s, "DELETE", "/routes/nope/cache"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route: got %d, want 404", rr.Code)
	}
}
