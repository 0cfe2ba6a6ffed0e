package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCachePutGetRevoke(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	s := Session{Subject: "device-1", Permissions: []string{"tracks.*"}, Expiry: 9999}

	if err := c.Put(ctx, "sess-1", s, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Subject != "device-1" {
		t.Fatalf("expected subject device-1, got %q", got.Subject)
	}

	if err := c.Revoke(ctx, "sess-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, ok, err = c.Get(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("Get after revoke: ok=%v err=%v", ok, err)
	}
	if !got.Revoked {
		t.Fatalf("expected Revoked tombstone after Revoke")
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Put(ctx, "sess-2", Session{Subject: "d"}, time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "sess-2"); ok {
		t.Fatalf("expected expired session to be absent")
	}
}

func TestRedisCachePutGetRevoke(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client, "abby")
	ctx := context.Background()
	s := Session{Subject: "device-2", Permissions: []string{"vip"}, Expiry: 5000}

	if err := c.Put(ctx, "sess-3", s, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(ctx, "sess-3")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Subject != "device-2" || got.Permissions[0] != "vip" {
		t.Fatalf("unexpected session contents: %+v", got)
	}

	if err := c.Revoke(ctx, "sess-3"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, ok, err = c.Get(ctx, "sess-3")
	if err != nil || !ok {
		t.Fatalf("Get after revoke: ok=%v err=%v", ok, err)
	}
	if !got.Revoked {
		t.Fatalf("expected Revoked tombstone after Revoke")
	}
}
