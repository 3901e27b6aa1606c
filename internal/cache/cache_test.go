package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store.now = clock.Now
	return store, clock
}

func TestCacheSetGetFreshAndStale(t *testing.T) {
	store, clock := openTestStore(t)

	if err := store.Set("tokens:k1", []byte(`{"v":1}`), 10*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	res, err := store.Get("tokens:k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	clock.Advance(12 * time.Second)
	res, err = store.Get("tokens:k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale {
		t.Fatalf("expected stale within budget, got %+v", res)
	}

	clock.Advance(10 * time.Second)
	res, err = store.Get("tokens:k1", 5*time.Second)
	if err != nil {
		t.Fatalf("Get too stale failed: %v", err)
	}
	if !res.TooStale {
		t.Fatalf("expected too stale, got %+v", res)
	}
}

func TestKeyIsStableAndNamespaced(t *testing.T) {
	a := Key("tokens", map[string]any{"chain": 8453})
	b := Key("tokens", map[string]any{"chain": 8453})
	c := Key("tokens", map[string]any{"chain": 1})
	if a != b || a == c {
		t.Fatalf("unexpected keys %s %s %s", a, b, c)
	}
	if namespaceOf(a) != "tokens" {
		t.Fatalf("expected tokens namespace, got %q", namespaceOf(a))
	}
}

func TestReadThroughFetchesOnceWhileFresh(t *testing.T) {
	store, _ := openTestStore(t)
	calls := 0
	fetch := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`["a"]`), nil
	}
	policy := Policy{TTL: time.Minute, MaxStale: time.Minute}

	value, status, err := store.ReadThrough(context.Background(), "chains:all", policy, fetch)
	if err != nil || string(value) != `["a"]` || status.Status != "write" {
		t.Fatalf("unexpected first read %q %+v %v", value, status, err)
	}
	value, status, err = store.ReadThrough(context.Background(), "chains:all", policy, fetch)
	if err != nil || string(value) != `["a"]` || status.Status != "hit" {
		t.Fatalf("unexpected second read %q %+v %v", value, status, err)
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestReadThroughStaleFallback(t *testing.T) {
	store, clock := openTestStore(t)
	if err := store.Set("chains:all", []byte(`["old"]`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(90 * time.Second)
	unavailable := func(context.Context) ([]byte, error) {
		return nil, clierr.New(clierr.CodeUnavailable, "provider down")
	}

	value, status, err := store.ReadThrough(context.Background(), "chains:all", Policy{TTL: time.Minute, MaxStale: time.Minute}, unavailable)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if string(value) != `["old"]` || !status.Stale {
		t.Fatalf("unexpected stale read %q %+v", value, status)
	}

	_, _, err = store.ReadThrough(context.Background(), "chains:all", Policy{TTL: time.Minute, MaxStale: time.Minute, NoStale: true}, unavailable)
	if !clierr.HasCode(err, clierr.CodeStale) {
		t.Fatalf("expected stale error with NoStale, got %v", err)
	}

	clock.Advance(time.Minute)
	_, _, err = store.ReadThrough(context.Background(), "chains:all", Policy{TTL: time.Minute, MaxStale: time.Minute}, unavailable)
	if !clierr.HasCode(err, clierr.CodeStale) {
		t.Fatalf("expected stale budget error, got %v", err)
	}
}

func TestReadThroughDoesNotMaskNonTransientErrors(t *testing.T) {
	store, clock := openTestStore(t)
	if err := store.Set("chains:all", []byte(`["old"]`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	clock.Advance(2 * time.Minute)
	_, _, err := store.ReadThrough(context.Background(), "chains:all", Policy{TTL: time.Minute, MaxStale: time.Hour}, func(context.Context) ([]byte, error) {
		return nil, clierr.New(clierr.CodeAuth, "bad key")
	})
	if !clierr.HasCode(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error to pass through, got %v", err)
	}
}

func TestReadThroughNilStoreBypasses(t *testing.T) {
	var store *Store
	value, status, err := store.ReadThrough(context.Background(), "k", Policy{TTL: time.Minute}, func(context.Context) ([]byte, error) {
		return []byte("x"), nil
	})
	if err != nil || string(value) != "x" || status.Status != "bypass" {
		t.Fatalf("unexpected bypass read %q %+v %v", value, status, err)
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 16
	const iterations = 40

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set(key, []byte(`{"ok":true}`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(key, time.Minute)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
