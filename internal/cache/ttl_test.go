package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("expected 1, got %v (ok=%v)", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	defer c.Close()

	c.Set("a", "x")
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to be invisible")
	}
	// Entry is still resident until swept.
	if c.Len() != 1 {
		t.Fatalf("expected 1 resident entry, got %d", c.Len())
	}
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected sweep to drop 1, dropped %d", n)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after sweep, got %d", c.Len())
	}
}

func TestPerKeyTTL(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.SetWithTTL("short", 1, 5*time.Millisecond)
	c.Set("long", 2)
	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Fatal("short-lived entry should have expired")
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatal("long-lived entry should survive")
	}
}

func TestDelete(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()

	c.Set("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("deleted entry should be gone")
	}
}

func TestCloseTwice(t *testing.T) {
	c := New(time.Minute, time.Millisecond)
	c.Close()
	c.Close() // must not panic
}
