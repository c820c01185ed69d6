package distcache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache() (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return New(100*time.Millisecond, clk.Now), clk
}

func TestCacheSymmetry(t *testing.T) {
	c, _ := newTestCache()
	c.Put("alice", "bob", 12.5)

	d1, ok1 := c.Get("alice", "bob")
	d2, ok2 := c.Get("bob", "alice")
	if !ok1 || !ok2 {
		t.Fatalf("expected hits both ways, got %v %v", ok1, ok2)
	}
	if d1 != d2 || d1 != 12.5 {
		t.Errorf("Get(a,b)=%v Get(b,a)=%v, want 12.5 both", d1, d2)
	}
}

func TestCacheExpiry(t *testing.T) {
	c, clk := newTestCache()
	c.Put("a", "b", 3)

	clk.Advance(100 * time.Millisecond)
	if _, ok := c.Get("a", "b"); !ok {
		t.Error("entry at exactly TTL age should still be served")
	}

	clk.Advance(time.Millisecond)
	if _, ok := c.Get("a", "b"); ok {
		t.Error("expired entry must not be served")
	}

	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if s := c.Stats(); s.Size != 0 {
		t.Errorf("size after sweep = %d", s.Size)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c, _ := newTestCache()
	c.Put("a", "b", 1)
	c.Put("c", "a", 2)
	c.Put("b", "c", 3)

	c.Invalidate("a")

	if _, ok := c.Get("a", "b"); ok {
		t.Error("a-b should be invalidated")
	}
	if _, ok := c.Get("a", "c"); ok {
		t.Error("a-c should be invalidated")
	}
	if d, ok := c.Get("c", "b"); !ok || d != 3 {
		t.Errorf("b-c should survive, got %v %v", d, ok)
	}

	// Re-inserting after invalidation works and the reverse index is clean.
	c.Put("a", "b", 9)
	if d, ok := c.Get("b", "a"); !ok || d != 9 {
		t.Errorf("reinserted pair = %v %v", d, ok)
	}
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache()
	c.Put("a", "b", 1)
	c.Get("a", "b")
	c.Get("a", "b")
	c.Get("x", "y")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", s.Hits, s.Misses)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("hit rate = %v", s.HitRate)
	}
	if s.TTLms != 100 {
		t.Errorf("ttl = %d", s.TTLms)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(time.Second, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put("p", string(rune('a'+i)), float64(j))
				c.Get("p", string(rune('a'+i)))
				if j%50 == 0 {
					c.Invalidate("p")
				}
			}
		}(i)
	}
	wg.Wait()
	c.Sweep()
}
