package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/surf-session-core/internal/types"
)

type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(addr string, key string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if key == "" {
		key = "surfsession:proxies"
	}

	return &RedisStorage{
		client: client,
		key:    key,
	}, nil
}

func (r *RedisStorage) Save(proxies []types.Proxy) error {
	if proxies == nil {
		proxies = []types.Proxy{}
	}
	data, err := json.Marshal(proxies)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (r *RedisStorage) Load() ([]types.Proxy, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var proxies []types.Proxy
	if err := json.Unmarshal([]byte(data), &proxies); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return proxies, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
