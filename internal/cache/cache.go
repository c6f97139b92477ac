// Package cache stores upstream responses keyed by request URI.
//
// Entries carry their own expiry and hit budget. An entry older than its TTL
// is never returned, and an entry with a hit budget of H is served H times
// and then removed.
package cache

import (
	"context"
	"time"

	"github.com/fabian4/stagegate/internal/model"
)

// Policy is the TTL and hit budget a stage applies.
//
// On Set it is stored with the entry. On Get a non-zero TTL slides the
// entry's expiry forward, and a non-zero HitLimit overrides the stored
// budget.
type Policy struct {
	TTL      time.Duration
	HitLimit int
}

// Store is a response cache backend.
type Store interface {
	Get(ctx context.Context, key string, p Policy) (*model.Response, bool, error)
	Set(ctx context.Context, key string, resp *model.Response, p Policy) error
	Delete(ctx context.Context, key string) error
}
