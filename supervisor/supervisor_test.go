package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/couchsync/replicator/store/fake"
)

func TestNewResolvesNodeIDsOnce(t *testing.T) {
	src := fake.New("node-src")
	dst := fake.New("node-dst")

	s, err := New(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.srcID != "node-src" || s.dstID != "node-dst" {
		t.Fatalf("unexpected node ids: src=%q dst=%q", s.srcID, s.dstID)
	}
}

func TestBringUpReplicatesDiscoveredDatabases(t *testing.T) {
	src := fake.New("node-src")
	dst := fake.New("node-dst")

	src.Seed("widgets", "doc-1", map[string]interface{}{"n": 1})
	src.Seed("gadgets", "doc-1", map[string]interface{}{"n": 1})
	src.Seed("_replicator", "doc-1", map[string]interface{}{"n": 1}) // reserved, must be skipped

	s, err := New(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	names, err := s.discover(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("discover returned %v, want exactly [gadgets widgets]", names)
	}

	if err := s.bringUp(ctx, names); err != nil {
		t.Fatalf("bringUp: %v", err)
	}

	active := s.activeNames()
	if len(active) != 2 {
		t.Fatalf("active workers = %v, want 2", active)
	}

	for _, w := range s.workers {
		w.stop()
	}
}

func TestDiscoverAppliesFilter(t *testing.T) {
	src := fake.New("node-src")
	dst := fake.New("node-dst")

	src.Seed("widgets", "doc-1", map[string]interface{}{"n": 1})
	src.Seed("gadgets", "doc-1", map[string]interface{}{"n": 1})

	s, err := New(context.Background(), src, dst, WithFilter(func(name string) bool {
		return name == "widgets"
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	names, err := s.discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(names) != 1 || names[0] != "widgets" {
		t.Fatalf("discover with filter returned %v, want [widgets]", names)
	}
}

func TestReapDetectsStoppedWorker(t *testing.T) {
	src := fake.New("node-src")
	dst := fake.New("node-dst")
	src.Seed("widgets", "doc-1", map[string]interface{}{"n": 1})

	s, err := New(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	session, err := s.loadSession(context.Background(), "widgets")
	if err != nil {
		t.Fatalf("loadSession: %v", err)
	}
	s.spawn("widgets", session)

	s.mu.Lock()
	w := s.workers["widgets"]
	s.mu.Unlock()
	w.stop()

	// Give the worker goroutine a moment to observe cancellation and
	// return before reap runs.
	time.Sleep(20 * time.Millisecond)

	s.reap(context.Background())

	if len(s.activeNames()) != 0 {
		t.Fatalf("expected reap to remove the stopped worker, active=%v", s.activeNames())
	}
}
