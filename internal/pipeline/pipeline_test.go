package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/fabian4/stagegate/internal/model"
)

type recorder struct{ ran []Tag }

func (r *recorder) node(tag Tag, fn func(gc *Context)) Node {
	return Node{Tag: tag, Module: ModuleFunc(func(_ context.Context, gc *Context, _ any) error {
		r.ran = append(r.ran, tag)
		if fn != nil {
			fn(gc)
		}
		return nil
	})}
}

func (r *recorder) equal(want ...Tag) bool {
	if len(r.ran) != len(want) {
		return false
	}
	for i := range want {
		if r.ran[i] != want[i] {
			return false
		}
	}
	return true
}

func newGC() *Context {
	return NewHTTP("id", &model.Request{Method: http.MethodGet, URI: "/"}, "127.0.0.1")
}

func cacheHit(back bool) func(gc *Context) {
	return func(gc *Context) {
		gc.HTTP.Response = &model.Response{Status: 200}
		gc.HTTP.Fresh = true
		gc.HTTP.CacheHit = true
		gc.Immediate = back
	}
}

func materialize(gc *Context) { gc.HTTP.Materialized = gc.HTTP.Response }

func TestCacheHitSkipsDispatchAndSet(t *testing.T) {
	r := &recorder{}
	var flagsAtReturn [2]bool
	p := &Pipeline{Name: "p", Nodes: []Node{
		r.node(TagMemoryCacheGet, cacheHit(false)),
		r.node(TagRoundRobin, nil),
		r.node(TagDispatchNetwork, nil),
		r.node(TagMemoryCacheSet, nil),
		r.node(TagReturn, func(gc *Context) {
			flagsAtReturn = [2]bool{gc.HTTP.Fresh, gc.HTTP.CacheHit}
			materialize(gc)
		}),
	}}
	e := &Engine{}
	if err := e.Execute(context.Background(), newGC(), p); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !r.equal(TagMemoryCacheGet, TagRoundRobin, TagReturn) {
		t.Fatalf("got %v", r.ran)
	}
	if flagsAtReturn != [2]bool{false, false} {
		t.Fatalf("return must see cleared flags, got %v", flagsAtReturn)
	}
}

func TestImmediateCacheHitStops(t *testing.T) {
	r := &recorder{}
	p := &Pipeline{Nodes: []Node{
		r.node(TagMemoryCacheGet, cacheHit(true)),
		r.node(TagHeaderResponse, nil),
		r.node(TagReturn, nil),
	}}
	if err := (&Engine{}).Execute(context.Background(), newGC(), p); err != nil {
		t.Fatal(err)
	}
	if !r.equal(TagMemoryCacheGet) {
		t.Fatalf("got %v", r.ran)
	}
}

func TestMissRunsEverything(t *testing.T) {
	r := &recorder{}
	p := &Pipeline{Nodes: []Node{
		r.node(TagMemoryCacheGet, nil),
		r.node(TagDispatchNetwork, func(gc *Context) {
			gc.HTTP.Response = &model.Response{Status: 200}
			gc.HTTP.Fresh = true
		}),
		r.node(TagMemoryCacheSet, nil),
		r.node(TagDispatchFile, nil), // skipped: response already fresh
		r.node(TagReturn, materialize),
		r.node(TagHeaderResponse, nil), // after materialization
	}}
	if err := (&Engine{}).Execute(context.Background(), newGC(), p); err != nil {
		t.Fatal(err)
	}
	if !r.equal(TagMemoryCacheGet, TagDispatchNetwork, TagMemoryCacheSet, TagReturn) {
		t.Fatalf("got %v", r.ran)
	}
}

func TestErrorAborts(t *testing.T) {
	r := &recorder{}
	boom := errors.New("boom")
	var observed []Tag
	e := &Engine{Observe: func(_ string, tag Tag, _ time.Duration, err error) {
		if err != nil {
			observed = append(observed, tag)
		}
	}}
	p := &Pipeline{Nodes: []Node{
		r.node(TagBlackWhiteList, nil),
		{Tag: TagRateLimiter, Module: ModuleFunc(func(context.Context, *Context, any) error { return boom })},
		r.node(TagReturn, nil),
	}}
	if err := e.Execute(context.Background(), newGC(), p); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if !r.equal(TagBlackWhiteList) || len(observed) != 1 || observed[0] != TagRateLimiter {
		t.Fatalf("ran %v observed %v", r.ran, observed)
	}
}

func TestTCPIgnoresHTTPRules(t *testing.T) {
	r := &recorder{}
	gc := NewTCP("id", "1.2.3.4:5", "1.2.3.4", nil)
	gc.Immediate = true
	p := &Pipeline{Nodes: []Node{
		r.node(TagDispatchNetwork, nil),
		r.node(TagReturn, nil),
	}}
	if err := (&Engine{}).Execute(context.Background(), gc, p); err != nil {
		t.Fatal(err)
	}
	if !r.equal(TagDispatchNetwork, TagReturn) {
		t.Fatalf("got %v", r.ran)
	}
	gc.Redirect.Attempts = 3
	gc.Reset([]byte("next"))
	if gc.Immediate || gc.Redirect.Attempts != 0 || string(gc.TCP.Inbound) != "next" {
		t.Fatalf("reset left state behind: %+v", gc)
	}
}

func TestHasAndTags(t *testing.T) {
	p := &Pipeline{Nodes: []Node{{Tag: TagReturn}}}
	if !p.Has(TagReturn) || p.Has(TagRoute) {
		t.Fatalf("Has misreports")
	}
	if !TagDispatch.IsDispatch() || TagReturn.IsDispatch() || !TagRedisCacheSet.IsCacheSet() {
		t.Fatalf("tag classification wrong")
	}
}
