package cache

import (
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/series"
)

func entry(prec uint) Entry {
	ref := orbit.New(big.NewFloat(-0.75), big.NewFloat(0), 10, orbit.Options{Precision: prec})
	return Entry{Reference: ref, Series: series.New(series.Options{})}
}

func key(i int) Key {
	return Key{Re: fmt.Sprint(i), Im: "0", Maximum: 1000, Interval: 100, Order: 16}
}

func TestCache_GetPut(t *testing.T) {
	c := New(4)
	e := entry(128)
	c.Put(key(1), e)

	got, ok := c.Get(key(1), 128)
	if !ok {
		t.Fatal("Get() missed a stored entry")
	}
	if got.Reference != e.Reference || got.Series != e.Series {
		t.Error("Get() returned a different entry")
	}

	if _, ok := c.Get(key(2), 64); ok {
		t.Error("Get() hit an absent key")
	}
}

func TestCache_PrecisionMiss(t *testing.T) {
	c := New(4)
	c.Put(key(1), entry(128))

	if _, ok := c.Get(key(1), 256); ok {
		t.Fatal("Get() returned an orbit below the required precision")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after precision miss", c.Len())
	}
	if _, ok := c.Get(key(1), 64); ok {
		t.Error("dropped entry still served")
	}
}

func TestCache_Eviction(t *testing.T) {
	c := New(3)
	for i := range 3 {
		c.Put(key(i), entry(64))
	}

	// Touch 0 so that 1 is the least recently used.
	if _, ok := c.Get(key(0), 64); !ok {
		t.Fatal("Get(0) missed")
	}
	c.Put(key(3), entry(64))

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if _, ok := c.Get(key(1), 64); ok {
		t.Error("least recently used key survived eviction")
	}
	for _, i := range []int{0, 2, 3} {
		if _, ok := c.Get(key(i), 64); !ok {
			t.Errorf("key %d evicted", i)
		}
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", s.Evictions)
	}
}

func TestCache_PutReplaces(t *testing.T) {
	c := New(2)
	c.Put(key(1), entry(64))
	e := entry(192)
	c.Put(key(1), e)

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	got, ok := c.Get(key(1), 192)
	if !ok || got.Reference != e.Reference {
		t.Error("Put() did not replace the entry")
	}
}

func TestCache_DeleteClear(t *testing.T) {
	c := New(4)
	c.Put(key(1), entry(64))
	c.Put(key(2), entry(64))

	if !c.Delete(key(1)) {
		t.Error("Delete() = false for present key")
	}
	if c.Delete(key(1)) {
		t.Error("Delete() = true for removed key")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d", c.Len())
	}
}

func TestCache_Stats(t *testing.T) {
	c := New(0)
	if s := c.Stats(); s.Capacity != 1 || s.HitRate != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	c.Put(key(1), entry(64))
	c.Get(key(1), 64)
	c.Get(key(2), 64)

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 {
		t.Errorf("Stats() = %+v, want 1 hit, 1 miss", s)
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(8)
	e := entry(64)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				k := key((g*100 + i) % 16)
				c.Put(k, e)
				c.Get(k, 64)
			}
		}()
	}
	wg.Wait()

	if c.Len() > 8 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}
