package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "autorun:history"

// RedisOptions selects the server and key for RedisBackend. Addr may also be
// a redis:// URL, in which case Password and DB are taken from it.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisBackend stores the JSON document under a single key.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	var ropts *redis.Options
	if strings.HasPrefix(opts.Addr, "redis://") || strings.HasPrefix(opts.Addr, "rediss://") {
		parsed, err := redis.ParseURL(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	key := opts.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}, nil
}

func (r *RedisBackend) Load(ctx context.Context) (*Document, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r.key, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse history from redis: %w", err)
	}
	return doc.normalize(), nil
}

func (r *RedisBackend) Save(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
