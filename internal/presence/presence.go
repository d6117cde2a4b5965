// Package presence tracks who is online in Redis so conversation
// summaries can show a live flag across instances.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 90 * time.Second

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type record struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func NewStore(r *redis.Client, prefix string) *Store {
	return &Store{client: r, prefix: prefix, ttl: defaultTTL}
}

func (s *Store) key(userID string) string { return fmt.Sprintf("%s:presence:%s", s.prefix, userID) }

// SetOnline records the user as online; entries expire so a crashed
// client goes dark after the TTL without an explicit SetOffline.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	b, _ := json.Marshal(record{Status: "online", LastSeen: time.Now().Unix()})
	return s.client.Set(ctx, s.key(userID), b, s.ttl).Err()
}

func (s *Store) SetOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}

// Refresh extends the TTL for a still-connected client.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, s.key(userID), s.ttl).Err()
}

func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	v, err := s.client.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec record
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return false, nil
	}
	return rec.Status == "online", nil
}
