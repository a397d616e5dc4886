package locks

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "sender-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxActive)
	}
	if len(m.entries) != 0 {
		t.Fatalf("expected entries to be freed, got %d", len(m.entries))
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	unlockA, _ := m.Lock(context.Background(), "a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected b to lock while a is held: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, _ := m.Lock(context.Background(), "k")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if first, _ := d.FirstSeen(ctx, "mid-1", time.Minute); !first {
		t.Fatalf("expected first sighting")
	}
	if first, _ := d.FirstSeen(ctx, "mid-1", time.Minute); first {
		t.Fatalf("expected duplicate")
	}
	now = now.Add(2 * time.Minute)
	if first, _ := d.FirstSeen(ctx, "mid-1", time.Minute); !first {
		t.Fatalf("expected key to expire")
	}
}

// Runs against a real server when CAMPAIGN_TEST_REDIS_ADDR is set.
func TestRedisLockerAndDeduper(t *testing.T) {
	addr := os.Getenv("CAMPAIGN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAMPAIGN_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	prefix := "test:" + t.Name() + ":" + time.Now().Format(time.RFC3339Nano) + ":"

	l := NewRedisLocker(rdb, prefix, time.Second)
	unlock, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected second lock to wait, got %v", err)
	}
	unlock()
	unlock2, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()

	d := NewRedisDeduper(rdb, prefix)
	if first, err := d.FirstSeen(ctx, "evt", time.Minute); err != nil || !first {
		t.Fatalf("expected first sighting: %v", err)
	}
	if first, _ := d.FirstSeen(ctx, "evt", time.Minute); first {
		t.Fatalf("expected duplicate")
	}
}
