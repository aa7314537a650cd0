package pending

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore stages intents in Redis with native key expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed intent store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Put(ctx context.Context, intent *Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}
	return r.client.Set(ctx, Key(intent.Kind, intent.TxRef), payload, TTL).Err()
}

// Consume uses GETDEL so racing consumers of the same key cannot both
// succeed.
func (r *RedisStore) Consume(ctx context.Context, kind, txRef string) (*Intent, error) {
	payload, err := r.client.GetDel(ctx, Key(kind, txRef)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	intent := &Intent{}
	if err := json.Unmarshal(payload, intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	return intent, nil
}

func (r *RedisStore) Peek(ctx context.Context, kind, txRef string) (*Intent, error) {
	payload, err := r.client.Get(ctx, Key(kind, txRef)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	intent := &Intent{}
	if err := json.Unmarshal(payload, intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	return intent, nil
}
