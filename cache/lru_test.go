package cache

import "testing"

func TestLRUGetPutRoundtrip(t *testing.T) {
	c := NewLRU(2)
	c.Put("a", []byte("1"))

	got, ok := c.Get("a")
	if !ok || string(got) != "1" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Get("a") // touch a, making b the least recently used
	c.Put("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestLRUDelete(t *testing.T) {
	c := NewLRU(4)
	c.Put("a", []byte("1"))
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be gone after Delete")
	}
}

func TestLRULen(t *testing.T) {
	c := NewLRU(4)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	if c.Len() != 2 {
		t.Fatalf("expected Len()=2, got %d", c.Len())
	}
}

func TestLRUPanicsOnNonPositiveSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for size<=0")
		}
	}()
	NewLRU(0)
}

var _ Cache = NewLRU(1)
