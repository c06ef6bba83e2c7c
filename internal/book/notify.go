package book

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisMirror publishes every committed cache write to a Redis Pub/Sub
// channel, so that other gateway replicas can stay roughly in sync without
// becoming the source of truth: the in-memory Cache on each instance remains
// authoritative; this is purely an optional broadcast layer.
type RedisMirror struct {
	client  *redis.Client
	channel string
}

// NewRedisMirror dials addr/db lazily (go-redis connects on first command).
func NewRedisMirror(addr string, db int, channel string) *RedisMirror {
	return &RedisMirror{
		client:  redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		channel: channel,
	}
}

type mirroredUpdate struct {
	Exchange     string `json:"exchange"`
	NativeSymbol string `json:"native_symbol"`
	Book         Book   `json:"book"`
}

// Publish sends key/b to the mirror channel. Errors are logged, not
// returned: a failed mirror publish must never affect the local cache write
// it is reporting on.
func (m *RedisMirror) Publish(key Key, b Book) {
	payload, err := json.Marshal(mirroredUpdate{Exchange: key.Exchange, NativeSymbol: key.NativeSymbol, Book: b})
	if err != nil {
		log.Error().Err(err).Msg("book: failed to marshal mirrored update")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", m.channel).Msg("book: redis mirror publish failed")
	}
}

// Close releases the underlying Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// AsCallback adapts Publish to the func(Key, Book) shape Cache.SetMirror
// expects.
func (m *RedisMirror) AsCallback() func(Key, Book) {
	return func(k Key, b Book) { m.Publish(k, b) }
}
