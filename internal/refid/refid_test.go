package refid

import (
	"path/filepath"
	"testing"
)

func TestNextIsMonotonicAndWraps(t *testing.T) {
	c := &Counter{current: maxID - 1}
	first, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != "999999999" {
		t.Fatalf("first = %q, want 999999999", first)
	}
	second, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second != "1" {
		t.Fatalf("second = %q, want wrap to 1", second)
	}
}

func TestCheckpointEveryTenAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refid.chk")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < checkpointEach; i++ {
		if _, err := c.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("Open reload: %v", err)
	}
	// The checkpoint reserves a full block ahead of the last issued id, so
	// a restart always skips past anything that might have been handed out
	// since: after 10 increments (current=10) the persisted value is 20.
	if want := int64(2 * checkpointEach); reloaded.current != want {
		t.Fatalf("reloaded.current = %d, want %d", reloaded.current, want)
	}
}

func TestServeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refid.chk")
	counter, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv, err := Listen("127.0.0.1:0", counter)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	client := NewClient(srv.Addr())
	id, err := client.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if id != "1" {
		t.Fatalf("id = %q, want 1", id)
	}

	id2, err := client.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if id2 != "2" {
		t.Fatalf("id2 = %q, want 2", id2)
	}
}
