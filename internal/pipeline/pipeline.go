// Package pipeline runs a route's ordered chain of stages over a request
// context.
package pipeline

import (
	"context"
	"time"
)

// Tag names a stage kind. Tags are the keys used in configuration.
type Tag string

const (
	TagRoute           Tag = "route"
	TagBlackWhiteList  Tag = "black_white_list"
	TagRateLimiter     Tag = "ratelimiter"
	TagMemoryCacheGet  Tag = "memory_cache_get"
	TagMemoryCacheSet  Tag = "memory_cache_set"
	TagRedisCacheGet   Tag = "redis_cache_get"
	TagRedisCacheSet   Tag = "redis_cache_set"
	TagHeaderRequest   Tag = "header_request"
	TagHeaderResponse  Tag = "header_response"
	TagRoundRobin      Tag = "round_robin"
	TagRandom          Tag = "random"
	TagIPRoundRobin    Tag = "ip_round_robin"
	TagDispatch        Tag = "dispatche"
	TagDispatchNetwork Tag = "dispatche_network"
	TagDispatchFile    Tag = "dispatche_file"
	TagUpgradeInsecure Tag = "upgrade_insecure_requests"
	TagReturn          Tag = "return"
)

// IsDispatch reports whether t sends the request upstream.
func (t Tag) IsDispatch() bool {
	return t == TagDispatch || t == TagDispatchNetwork || t == TagDispatchFile
}

// IsCacheSet reports whether t writes a cache entry.
func (t Tag) IsCacheSet() bool {
	return t == TagMemoryCacheSet || t == TagRedisCacheSet
}

// Module executes one stage. The payload is the value the stage's builder
// produced from configuration.
type Module interface {
	Execute(ctx context.Context, gc *Context, payload any) error
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, gc *Context, payload any) error

func (f ModuleFunc) Execute(ctx context.Context, gc *Context, payload any) error {
	return f(ctx, gc, payload)
}

// Node is one configured stage.
type Node struct {
	Tag     Tag
	Module  Module
	Payload any
}

// Pipeline is an immutable, ordered list of nodes.
type Pipeline struct {
	Name  string
	Nodes []Node
}

// Has reports whether the pipeline contains a node with tag.
func (p *Pipeline) Has(tag Tag) bool {
	for _, n := range p.Nodes {
		if n.Tag == tag {
			return true
		}
	}
	return false
}

// ObserveFunc is called after each executed node.
type ObserveFunc func(pipeline string, tag Tag, d time.Duration, err error)

// Engine walks pipelines.
type Engine struct {
	Observe ObserveFunc
}

// Execute runs p over gc and returns the first stage error unchanged.
//
// For HTTP contexts: the chain stops once a response is materialized, or
// after a cache hit when Immediate is set. Dispatch nodes are skipped when
// the response is already fresh or came from a cache, and cache-set nodes
// are skipped on a cache hit. The return node clears Fresh and CacheHit
// before it runs.
func (e *Engine) Execute(ctx context.Context, gc *Context, p *Pipeline) error {
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if h := gc.HTTP; h != nil {
			if h.Materialized != nil {
				return nil
			}
			if gc.Immediate && h.CacheHit {
				return nil
			}
			if n.Tag.IsDispatch() && (h.Fresh || h.CacheHit) {
				continue
			}
			if n.Tag.IsCacheSet() && h.CacheHit {
				continue
			}
			if n.Tag == TagReturn {
				h.Fresh = false
				h.CacheHit = false
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := n.Module.Execute(ctx, gc, n.Payload)
		if e.Observe != nil {
			e.Observe(p.Name, n.Tag, time.Since(start), err)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
