package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"factbot/pkg/logx"
)

// maxDeliveryLog bounds the redis delivery list.
const maxDeliveryLog = 10000

type redisStore struct {
	client goredis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisStore(client, cfg.Redis.Prefix, log), nil
}

func newRedisStore(client goredis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "factbot"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (r *redisStore) keyState(id string) string { return r.prefix + ":recipients:" + id }
func (r *redisStore) keyDeliveries() string     { return r.prefix + ":deliveries" }

func (r *redisStore) GetState(ctx context.Context, id string) (RecipientState, error) {
	raw, err := r.client.Get(ctx, r.keyState(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return RecipientState{}, ErrNotFound
	}
	if err != nil {
		return RecipientState{}, err
	}
	return decodeState(raw)
}

func (r *redisStore) PutState(ctx context.Context, st RecipientState) error {
	st = st.Clone()
	st.normalize()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyState(st.RecipientID), raw, 0).Err()
}

func (r *redisStore) ListStates(ctx context.Context) ([]RecipientState, error) {
	var (
		cursor uint64
		out    []RecipientState
	)
	pattern := r.prefix + ":recipients:*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			raw, err := r.client.Get(ctx, k).Bytes()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			st, err := decodeState(raw)
			if err != nil {
				r.log.Warn("skipping undecodable recipient", logx.String("key", k), logx.Err(err))
				continue
			}
			out = append(out, st)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (r *redisStore) DeleteState(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.keyState(id)).Err()
}

func (r *redisStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.keyDeliveries(), raw)
	pipe.LTrim(ctx, r.keyDeliveries(), -maxDeliveryLog, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) Close() error { return r.client.Close() }
