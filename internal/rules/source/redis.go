package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"revline/internal/rules"
)

// Redis reads a rule document stored under a single key. Format defaults to YAML.
type Redis struct {
	Client *redis.Client
	Key    string
	Format string
}

// NewRedis connects to addr; the caller owns closing Client.
func NewRedis(addr, password string, db int, key, format string) *Redis {
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		Key:    key,
		Format: format,
	}
}

func (r *Redis) Fetch(ctx context.Context) (rules.Document, error) {
	data, err := r.Client.Get(ctx, r.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return rules.Document{}, fmt.Errorf("redis key %q not set", r.Key)
	}
	if err != nil {
		return rules.Document{}, fmt.Errorf("redis get %q: %w", r.Key, err)
	}
	return rules.Document{Data: data, Format: r.format(), Origin: "redis:" + r.Key}, nil
}

func (r *Redis) format() string {
	if r.Format == "" {
		return rules.FormatYAML
	}
	return r.Format
}

// Publish stores doc under the key. The document must be in the key's format.
func (r *Redis) Publish(ctx context.Context, doc rules.Document) error {
	if doc.Format != r.format() {
		return fmt.Errorf("redis key %q holds %s documents, got %s", r.Key, r.format(), doc.Format)
	}
	if err := r.Client.Set(ctx, r.Key, doc.Data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", r.Key, err)
	}
	return nil
}
