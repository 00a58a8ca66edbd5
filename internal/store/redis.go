package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const scanBatch = 512

// RedisStore keeps every leaf as a field of a single Redis hash.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	log       logrus.FieldLogger
}

func NewRedisStore(client *redis.Client, keyPrefix string, logger logrus.FieldLogger) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil for RedisStore")
	}
	if keyPrefix == "" {
		keyPrefix = "roomsync:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		log:       logger.WithField("store", "redis"),
	}
}

// OpenRedis connects to addr and checks the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, keyPrefix string, logger logrus.FieldLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return NewRedisStore(client, keyPrefix, logger), nil
}

func (r *RedisStore) treeKey() string {
	return r.keyPrefix + "tree"
}

func (r *RedisStore) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	v, err := r.client.HGet(ctx, r.treeKey(), path).Result()
	if err == nil {
		return json.RawMessage(v), nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: read %s: %w", path, err)
	}

	leaves, err := r.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	return expand(path, leaves)
}

// scan returns the leaves strictly below path.
func (r *RedisStore) scan(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	leaves := make(map[string]json.RawMessage)
	var cursor uint64
	for {
		kvs, next, err := r.client.HScan(ctx, r.treeKey(), cursor, path+"/*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %s: %w", path, err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			leaves[kvs[i]] = json.RawMessage(kvs[i+1])
		}
		if next == 0 {
			return leaves, nil
		}
		cursor = next
	}
}

func (r *RedisStore) Write(ctx context.Context, path string, doc any) error {
	m, err := planWrite(path, doc)
	if err != nil {
		return err
	}
	return r.apply(ctx, m)
}

func (r *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	m, err := planUpdate(path, fields)
	if err != nil {
		return err
	}
	return r.apply(ctx, m)
}

func (r *RedisStore) Delete(ctx context.Context, path string) error {
	m, err := planDelete(path)
	if err != nil {
		return err
	}
	return r.apply(ctx, m)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// apply collects the fields to drop first; the scan is not part of the
// MULTI block, so a concurrent writer adding below a cleared path can survive.
func (r *RedisStore) apply(ctx context.Context, m mutation) error {
	var drop []string
	for _, root := range m.clear {
		below, err := r.scan(ctx, root)
		if err != nil {
			return err
		}
		for p := range below {
			drop = append(drop, p)
		}
		drop = append(drop, root)
		drop = append(drop, ancestors(root)...)
	}

	set := make(map[string]interface{}, len(m.set))
	for p, v := range m.set {
		set[p] = string(v)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(drop) > 0 {
			pipe.HDel(ctx, r.treeKey(), drop...)
		}
		if len(set) > 0 {
			pipe.HSet(ctx, r.treeKey(), set)
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"dropped": len(drop),
			"set":     len(set),
		}).Error("redis mutation failed")
		return fmt.Errorf("redis: apply mutation: %w", err)
	}
	return nil
}
