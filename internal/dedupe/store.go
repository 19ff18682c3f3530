package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store records one-shot side effects (ticket mails) in redis so a replayed
// event or a second replica does not repeat them.
type Store struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewStore(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{Client: client, Prefix: prefix, TTL: ttl}
}

func (s *Store) key(id string) string {
	return fmt.Sprintf("%s:%s", s.Prefix, id)
}

// Claim marks id as taken by owner. It returns false when another owner
// already holds it.
func (s *Store) Claim(ctx context.Context, id, owner string) (bool, error) {
	ok, err := s.Client.SetNX(ctx, s.key(id), owner, s.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return ok, nil
}

// Release drops the claim if owner still holds it, so the side effect can be
// attempted again.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	key := s.key(id)
	val, err := s.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already released
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	if val == owner {
		if err := s.Client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) Claimed(ctx context.Context, id string) (bool, error) {
	n, err := s.Client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", id, err)
	}
	return n == 1, nil
}
