package profilecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheGetRefreshesOnceUntilTTLExpires(t *testing.T) {
	var loads int32
	loader := func(ctx context.Context, sensorID string) (*Entry, error) {
		atomic.AddInt32(&loads, 1)
		return &Entry{ProfileID: "p1"}, nil
	}
	c := New(loader, 50*time.Millisecond, nil)

	for i := 0; i < 5; i++ {
		e, err := c.Get(context.Background(), "sensor-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if e.ProfileID != "p1" {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected 1 load within TTL window, got %d", got)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := c.Get(context.Background(), "sensor-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("expected reload after TTL expiry, got %d loads", got)
	}
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	var loads int32
	loader := func(ctx context.Context, sensorID string) (*Entry, error) {
		n := atomic.AddInt32(&loads, 1)
		return &Entry{ProfileID: string(rune('a' + n - 1))}, nil
	}
	c := New(loader, time.Hour, nil)

	e1, _ := c.Get(context.Background(), "s")
	c.Invalidate("s")
	e2, _ := c.Get(context.Background(), "s")

	if e1.ProfileID == e2.ProfileID {
		t.Fatalf("expected invalidate to force a distinct reload, got same entry %+v", e1)
	}
}

func TestCachePerKeyIndependence(t *testing.T) {
	loader := func(ctx context.Context, sensorID string) (*Entry, error) {
		return &Entry{ProfileID: sensorID}, nil
	}
	c := New(loader, time.Hour, nil)

	a, _ := c.Get(context.Background(), "a")
	b, _ := c.Get(context.Background(), "b")
	if a.ProfileID != "a" || b.ProfileID != "b" {
		t.Fatalf("expected independent per-sensor entries, got %+v %+v", a, b)
	}
}
