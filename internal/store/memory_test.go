package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1000, 0)
	s.Now = func() time.Time { return now }

	if err := s.Set(ctx, "a", "1", 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); !ok {
		t.Fatal("key should be live")
	}
	if ttl, ok, _ := s.TTL(ctx, "a"); !ok || ttl != 10*time.Second {
		t.Fatalf("TTL = %v, %v", ttl, ok)
	}

	now = now.Add(11 * time.Second)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("key should have expired")
	}
	if _, ok, _ := s.TTL(ctx, "a"); ok {
		t.Fatal("TTL should report absent")
	}
}

func TestMemoryIncrRestartsAfterExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1000, 0)
	s.Now = func() time.Time { return now }

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "c")
		if err != nil || n != want {
			t.Fatalf("Incr = %d, %v; want %d", n, err, want)
		}
	}
	if err := s.Expire(ctx, "c", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	now = now.Add(2 * time.Minute)
	n, err := s.Incr(ctx, "c")
	if err != nil || n != 1 {
		t.Fatalf("Incr after expiry = %d, %v; want 1", n, err)
	}
	// Fresh counter has no expiry until armed again.
	if ttl, ok, _ := s.TTL(ctx, "c"); !ok || ttl != 0 {
		t.Fatalf("fresh counter TTL = %v, %v", ttl, ok)
	}
}

func TestMemorySetNX(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	now := time.Unix(1000, 0)
	s.Now = func() time.Time { return now }

	ok, err := s.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = s.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v; want false", ok, err)
	}
	if v, _, _ := s.Get(ctx, "k"); v != "v1" {
		t.Fatalf("value = %q, want v1", v)
	}

	now = now.Add(2 * time.Minute)
	ok, err = s.SetNX(ctx, "k", "v3", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v; want true", ok, err)
	}
}

func TestMemoryKeysPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	_ = s.Set(ctx, "item:2", "b", 0)
	_ = s.Set(ctx, "item:1", "a", 0)
	_ = s.Set(ctx, "other:1", "c", 0)

	keys, err := s.Keys(ctx, "item:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "item:1" || keys[1] != "item:2" {
		t.Fatalf("Keys = %v", keys)
	}
	n, _ := s.Count(ctx, "item:")
	if n != 2 {
		t.Fatalf("Count = %d", n)
	}
}
