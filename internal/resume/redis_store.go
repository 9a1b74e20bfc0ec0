package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corpwell/campaigner/internal/domain"
)

// Checkpoints outlive process restarts but not abandoned runs forever.
const checkpointTTL = 7 * 24 * time.Hour

// RedisStore keeps one JSON checkpoint per run under
// campaign:resume:<run_id>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func checkpointKey(runID string) string {
	return "campaign:resume:" + runID
}

func (s *RedisStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKey(cp.RunID), data, checkpointTTL).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) (domain.Checkpoint, bool, error) {
	data, err := s.client.Get(ctx, checkpointKey(runID)).Bytes()
	if err == redis.Nil {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return cp, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, checkpointKey(runID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}
