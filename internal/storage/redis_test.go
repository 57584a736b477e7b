package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"factbot/pkg/logx"
)

func newTestRedisStore(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newRedisStore(client, "test", logx.Nop()), mr
}

func TestRedisStore(t *testing.T) {
	s, _ := newTestRedisStore(t)
	exerciseStore(t, s)
}

func TestRedisDeliveryLogIsBounded(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.AppendDelivery(ctx, DeliveryRecord{RecipientID: "1", Outcome: "sent"}); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}
	items, err := mr.List("test:deliveries")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("delivery log length = %d, want 5", len(items))
	}
}

func TestOpenRedisThroughConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "cfg"}}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.PutState(context.Background(), NewRecipientState("7", "2026-03-01", time.Now())); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if !mr.Exists("cfg:recipients:7") {
		t.Fatalf("key cfg:recipients:7 not written")
	}
}
