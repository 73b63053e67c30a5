package reload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// SignalSource tells the coordinator which datasets to rebuild. Drain
// returns the ids signalled since the previous call.
type SignalSource interface {
	Drain(ctx context.Context) ([]string, error)
}

// FlagDir is a SignalSource reading flag files: a file named after a
// datasetID in Dir asks for that dataset to be reloaded. Files are
// removed once read. Names that are not valid dataset ids are removed and
// ignored.
type FlagDir struct {
	Dir string
}

// Drain implements SignalSource.
func (f FlagDir) Drain(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read flag dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(f.Dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ids, fmt.Errorf("remove flag %s: %w", e.Name(), err)
		}
		if dataset.ValidID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// listPopper is the part of *redis.Client used by RedisQueue.
type listPopper interface {
	LPop(ctx context.Context, key string) *redis.StringCmd
}

// maxQueueDrain bounds one Drain so a flooded queue cannot stall a cycle.
const maxQueueDrain = 1000

// RedisQueue is a SignalSource popping dataset ids from a redis list, so
// several gateway processes or external tools can request reloads with
// RPUSH.
type RedisQueue struct {
	client listPopper
	key    string
}

// NewRedisQueue returns a queue reading list key through client.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

// Drain implements SignalSource.
func (q *RedisQueue) Drain(ctx context.Context) ([]string, error) {
	var ids []string
	for len(ids) < maxQueueDrain {
		id, err := q.client.LPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return ids, fmt.Errorf("pop %s: %w", q.key, err)
		}
		if dataset.ValidID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// requests is the in-process SignalSource fed by RequestReload.
type requests struct {
	mu      sync.Mutex
	pending []string
	nudge   chan struct{}
}

func newRequests() *requests {
	return &requests{nudge: make(chan struct{}, 1)}
}

func (r *requests) add(id string) {
	r.mu.Lock()
	r.pending = append(r.pending, id)
	r.mu.Unlock()
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Drain implements SignalSource.
func (r *requests) Drain(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.pending
	r.pending = nil
	return ids, nil
}
