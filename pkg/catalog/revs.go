package catalog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RevStore tracks the per-(container, path) monotonic revision counters
// behind the editor protocol's optimistic concurrency. Counters live at
// {ns}:fsrev:{container_id}:{path}.
type RevStore struct {
	rdb redis.UniversalClient
	ns  string
}

// NewRevStore connects to Redis at url, namespacing all counters.
func NewRevStore(url, namespace string) (*RevStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RevStore{rdb: redis.NewClient(opts), ns: namespace}, nil
}

// NewRevStoreWithClient builds a RevStore on an existing client.
func NewRevStoreWithClient(rdb redis.UniversalClient, namespace string) *RevStore {
	return &RevStore{rdb: rdb, ns: namespace}
}

func (r *RevStore) key(containerID, path string) string {
	return fmt.Sprintf("%s:fsrev:%s:%s", r.ns, containerID, path)
}

// GetRev returns the current revision; a path never written is rev 0.
func (r *RevStore) GetRev(ctx context.Context, containerID, path string) (int64, error) {
	v, err := r.rdb.Get(ctx, r.key(containerID, path)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rev for %s: %w", path, err)
	}
	return v, nil
}

// BumpRev atomically increments and returns the new revision. INCR
// creates the key, so the first bump of a fresh path yields 1, and
// concurrent bumps linearize server-side.
func (r *RevStore) BumpRev(ctx context.Context, containerID, path string) (int64, error) {
	v, err := r.rdb.Incr(ctx, r.key(containerID, path)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump rev for %s: %w", path, err)
	}
	return v, nil
}

// ResetPath drops the counter (used when a container is deleted).
func (r *RevStore) ResetPath(ctx context.Context, containerID, path string) error {
	return r.rdb.Del(ctx, r.key(containerID, path)).Err()
}
