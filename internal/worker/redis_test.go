package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"tontoo/internal/config"
	"tontoo/internal/models"
	"tontoo/internal/redis"
)

func TestStateCacheStoreLoadAndInvalidate(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	conv := &models.Conversation{
		ID:     "abcd1234",
		UserID: 77,
		Name:   "demo",
		Turns:  []models.Turn{{Role: models.RoleUser, Content: "hello"}},
	}
	sc.cacheConversation(conv)

	got, ok := sc.loadConversation(77, "abcd1234")
	if !ok || got == nil {
		t.Fatalf("expected conversation cached")
	}
	if got.Name != conv.Name || len(got.Turns) != 1 {
		t.Fatalf("cached conversation mismatch: %#v", got)
	}
	if _, ok := sc.loadConversation(78, "abcd1234"); ok {
		t.Fatalf("conversation must not leak across users")
	}

	sc.invalidateConversation(77, "abcd1234")
	if _, ok := sc.loadConversation(77, "abcd1234"); ok {
		t.Fatalf("expected conversation rdb invalidated")
	}
}

func TestStateCachePubSub(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan invalidateMessage, 1)
	sc.startListener(ctx, func(msg invalidateMessage) {
		ch <- msg
	})

	msg := invalidateMessage{Origin: "a", UserID: 5, ChatID: "c6", Scope: scopeConversation}
	sc.publishInvalidation(msg)
	select {
	case got := <-ch:
		if got != msg {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
}

func TestManagersShareConversationsThroughRedis(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	backend := newTestManager(t).backend
	first := NewManager(backend, sc.client)
	second := NewManager(backend, sc.client)
	defer first.Close()
	defer second.Close()
	ctx := context.Background()

	if _, err := second.Load(ctx, 11, "shared"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := first.Append(ctx, 11, "shared", models.Turn{Role: models.RoleUser, Content: "from first"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		conv, err := second.Load(ctx, 11, "shared")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(conv.Turns) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second instance never observed the append")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newRedisStateCache(t *testing.T) (*stateRedis, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	sc := newStateCache(client)
	cleanup := func() {
		client.Close()
	}
	return sc, cleanup
}
