package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	oidckit "github.com/open-rails/keykit/oidc"
)

// DefaultStateTTL bounds how long a pending login may take when no TTL is
// supplied.
const DefaultStateTTL = 15 * time.Minute

// StateCache is a Redis-backed oidckit.StateCache. Entries live under a key
// prefix with a TTL, so abandoned logins expire on their own and multiple
// app instances share the same pending-login set.
type StateCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStateCache writes entries under prefix (e.g., "auth:oidc:state:").
// defaultTTL <= 0 falls back to DefaultStateTTL.
func NewStateCache(rdb *redis.Client, prefix string, defaultTTL time.Duration) *StateCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultStateTTL
	}
	return &StateCache{rdb: rdb, prefix: prefix, ttl: defaultTTL}
}

func (c *StateCache) Put(ctx context.Context, state string, data oidckit.StateData, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+state, b, ttl).Err()
}

func (c *StateCache) Get(ctx context.Context, state string) (oidckit.StateData, bool, error) {
	b, err := c.rdb.Get(ctx, c.prefix+state).Bytes()
	if err == redis.Nil {
		return oidckit.StateData{}, false, nil
	}
	if err != nil {
		return oidckit.StateData{}, false, err
	}
	var data oidckit.StateData
	if err := json.Unmarshal(b, &data); err != nil {
		return oidckit.StateData{}, false, err
	}
	return data, true, nil
}

func (c *StateCache) Del(ctx context.Context, state string) error {
	return c.rdb.Del(ctx, c.prefix+state).Err()
}
