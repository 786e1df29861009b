package registry

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterLastWriteWins(t *testing.T) {
	r := New()
	r.Register("H04N", "10.0.0.5", "10.0.0.9", 9000)
	r.Register("H04N", "10.0.0.6", "10.0.0.10", 9001)

	got, ok := r.Lookup("H04N")
	if !ok {
		t.Fatal("expected H04N to be registered")
	}
	want := Route{Name: "H04N", ExpectedProviderAddress: "10.0.0.6", ConsumerAddress: "10.0.0.10", ConsumerPort: 9001}
	if got != want {
		t.Fatalf("Lookup() = %+v, want %+v", got, want)
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	for range 3 {
		r.Register("ABC", "10.0.0.1", "10.0.0.2", 8000)
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
}

func TestLookupAbsent(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("NEVER"); ok {
		t.Fatal("Lookup of unregistered name returned a route")
	}

	r.Register("GONE", "10.0.0.1", "10.0.0.2", 8000)
	r.Unregister("GONE")
	if _, ok := r.Lookup("GONE"); ok {
		t.Fatal("Lookup of unregistered name returned a route")
	}

	// Unregistering an unknown name is a no-op.
	r.Unregister("MISSING")
	if n := r.Count(); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}
}

func TestLookupCaseSensitive(t *testing.T) {
	r := New()
	r.Register("h04n", "10.0.0.5", "10.0.0.9", 9000)
	if _, ok := r.Lookup("H04N"); ok {
		t.Fatal("station names must be case-sensitive")
	}
}

func TestRoutesSorted(t *testing.T) {
	r := New()
	r.Register("ZZZ", "10.0.0.1", "10.0.0.2", 1)
	r.Register("AAA", "10.0.0.1", "10.0.0.2", 2)
	r.Register("MMM", "10.0.0.1", "10.0.0.2", 3)

	routes := r.Routes()
	if len(routes) != 3 {
		t.Fatalf("len(Routes()) = %d, want 3", len(routes))
	}
	for i, name := range []string{"AAA", "MMM", "ZZZ"} {
		if routes[i].Name != name {
			t.Errorf("routes[%d].Name = %q, want %q", i, routes[i].Name, name)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		name := fmt.Sprintf("S%03d", i)
		go func() {
			defer wg.Done()
			r.Register(name, "10.0.0.1", "10.0.0.2", uint16(9000+i))
			r.Unregister(name)
			r.Register(name, "10.0.0.1", "10.0.0.2", uint16(9000+i))
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Lookup(name)
			_ = r.Count()
			_ = r.Routes()
		}()
	}
	wg.Wait()

	if n := r.Count(); n != 50 {
		t.Fatalf("Count() = %d, want 50", n)
	}
}
