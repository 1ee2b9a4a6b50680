package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/stumn/Chatment-sub000/internal/event"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewCache("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return cache, s
}

func TestHistoryMissThenHit(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()

	_, hit, err := cache.GetHistory(ctx, "space7-main")
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if hit {
		t.Fatal("expected miss on cold cache")
	}

	views := []event.PostView{
		{ID: "post_1", Content: "hello", Author: "Aki"},
		{ID: "post_2", Content: "hi", Author: "Ben"},
	}
	if err := cache.PutHistory(ctx, "space7-main", views); err != nil {
		t.Fatalf("PutHistory failed: %v", err)
	}

	cached, hit, err := cache.GetHistory(ctx, "space7-main")
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if !hit {
		t.Fatal("expected hit after put")
	}
	if len(cached) != 2 || cached[0].ID != "post_1" || cached[1].Content != "hi" {
		t.Errorf("cached history = %+v", cached)
	}
}

func TestHistoryExpires(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	cache, err := NewCache("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.PutHistory(ctx, "space7-main", []event.PostView{{ID: "post_1"}}); err != nil {
		t.Fatalf("PutHistory failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	_, hit, err := cache.GetHistory(ctx, "space7-main")
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if hit {
		t.Error("expected miss after TTL")
	}
}

func TestInvalidateHistory(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.PutHistory(ctx, "space7-main", []event.PostView{{ID: "post_1"}}); err != nil {
		t.Fatalf("PutHistory failed: %v", err)
	}
	if err := cache.InvalidateHistory(ctx, "space7-main"); err != nil {
		t.Fatalf("InvalidateHistory failed: %v", err)
	}
	if _, hit, _ := cache.GetHistory(ctx, "space7-main"); hit {
		t.Error("expected miss after invalidate")
	}

	// Invalidating an uncached room is a no-op.
	if err := cache.InvalidateHistory(ctx, "never-cached"); err != nil {
		t.Errorf("InvalidateHistory for unknown room failed: %v", err)
	}
}

func TestMessageCounters(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()

	count, err := cache.MessageCount(ctx, "space7-main")
	if err != nil || count != 0 {
		t.Fatalf("MessageCount = %d, %v; want 0, nil", count, err)
	}

	for i := 1; i <= 3; i++ {
		count, err = cache.IncrMessageCount(ctx, "space7-main")
		if err != nil {
			t.Fatalf("IncrMessageCount failed: %v", err)
		}
		if count != int64(i) {
			t.Errorf("counter = %d, want %d", count, i)
		}
	}

	// Counters are per room.
	count, err = cache.MessageCount(ctx, "space7-side")
	if err != nil || count != 0 {
		t.Errorf("other room counter = %d, %v; want 0, nil", count, err)
	}
}
