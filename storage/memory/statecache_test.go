package memorystore

import (
	"context"
	"testing"
	"time"

	oidckit "github.com/open-rails/keykit/oidc"
)

func TestStateCachePutGetDel(t *testing.T) {
	c := NewStateCache(time.Minute)
	ctx := context.Background()

	data := oidckit.StateData{LinkUserID: "u-1", ReturnTo: "/app", CreatedAt: time.Now().UTC()}
	if err := c.Put(ctx, "state-1", data, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := c.Get(ctx, "state-1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.LinkUserID != "u-1" || got.ReturnTo != "/app" {
		t.Fatalf("unexpected data: %+v", got)
	}

	if err := c.Del(ctx, "state-1"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "state-1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestStateCacheMiss(t *testing.T) {
	c := NewStateCache(time.Minute)
	if _, ok, err := c.Get(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestStateCacheExpiry(t *testing.T) {
	c := NewStateCache(time.Minute)
	ctx := context.Background()

	if err := c.Put(ctx, "short", oidckit.StateData{}, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Fatal("expected expired entry to miss")
	}

	// The next Put sweeps expired entries out of the map entirely.
	if err := c.Put(ctx, "fresh", oidckit.StateData{}, time.Minute); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	_, lingering := c.entries["short"]
	c.mu.Unlock()
	if lingering {
		t.Fatal("expected sweep to drop the expired entry")
	}
}
