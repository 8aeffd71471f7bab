package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnTengye/contractbill/config"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per kind for the records and a sorted set per
// kind for insertion order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, cfg *config.StoreConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return &RedisStore{client: rdb, prefix: cfg.RedisPrefix}, nil
}

func (s *RedisStore) dataKey(kind Kind) string  { return fmt.Sprintf("%s:%s", s.prefix, kind) }
func (s *RedisStore) orderKey(kind Kind) string { return fmt.Sprintf("%s:%s:order", s.prefix, kind) }
func (s *RedisStore) seqKey() string            { return s.prefix + ":seq" }

func (s *RedisStore) Put(ctx context.Context, kind Kind, id string, record []byte) ([]byte, error) {
	key := s.dataKey(kind)
	var prior []byte

	txf := func(tx *redis.Tx) error {
		got, err := tx.HGet(ctx, key, id).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			prior = nil
		case err != nil:
			return err
		default:
			prior = got
		}
		var seq int64
		if prior == nil {
			if seq, err = s.client.Incr(ctx, s.seqKey()).Result(); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, record)
			if prior == nil {
				pipe.ZAdd(ctx, s.orderKey(kind), redis.Z{Score: float64(seq), Member: id})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write %s %s: %w", kind, id, err)
		}
		return prior, nil
	}
	return nil, fmt.Errorf("write %s %s: %w", kind, id, redis.TxFailedErr)
}

func (s *RedisStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.dataKey(kind), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	return data, nil
}

func (s *RedisStore) List(ctx context.Context, kind Kind) ([][]byte, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.dataKey(kind), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, []byte(str))
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, kind Kind, id string) error {
	n, err := s.client.HDel(ctx, s.dataKey(kind), id).Result()
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return s.client.ZRem(ctx, s.orderKey(kind), id).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
