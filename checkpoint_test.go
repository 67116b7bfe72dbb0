package replicator

import (
	"context"
	"testing"

	"github.com/couchsync/replicator/store"
	"github.com/couchsync/replicator/store/fake"
)

func TestLoadCheckpointMissingIsEmptyNotError(t *testing.T) {
	peer := fake.New("node-a")
	db := peer.Database("widgets")

	doc, err := loadCheckpoint(context.Background(), db, "repl-id")
	if err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}
	if doc.ID != "_local/repl-id" {
		t.Fatalf("unexpected checkpoint id: %q", doc.ID)
	}
	if doc.UpdateSeq != 0 || doc.SessionID != "" {
		t.Fatalf("expected zero-value checkpoint, got %+v", doc)
	}
}

func TestUpdateWithRetrySucceedsOnFirstTry(t *testing.T) {
	peer := fake.New("node-a")
	db := peer.Database("widgets")
	ctx := context.Background()

	doc, err := loadCheckpoint(ctx, db, "repl-id")
	if err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}

	saved, err := saveCheckpoint(ctx, db, doc, "session-1", 42)
	if err != nil {
		t.Fatalf("saveCheckpoint: %v", err)
	}
	if saved.SessionID != "session-1" || saved.UpdateSeq != 42 {
		t.Fatalf("checkpoint not persisted: %+v", saved)
	}
}

func TestUpdateWithRetryRecoversFromOneConflict(t *testing.T) {
	peer := fake.New("node-a")
	db := peer.Database("widgets")
	ctx := context.Background()

	doc, err := loadCheckpoint(ctx, db, "repl-id")
	if err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}

	// Simulate a racing writer that commits a checkpoint first, so
	// our stale in-hand doc's rev is now behind the stored one.
	if _, err := saveCheckpoint(ctx, db, doc, "racer-session", 1); err != nil {
		t.Fatalf("racing saveCheckpoint: %v", err)
	}

	saved, err := updateWithRetry(ctx, db, doc, func(d *store.Local) {
		d.SessionID = "our-session"
		d.UpdateSeq = 99
	})
	if err != nil {
		t.Fatalf("updateWithRetry did not recover from conflict: %v", err)
	}
	if saved.SessionID != "our-session" || saved.UpdateSeq != 99 {
		t.Fatalf("retry did not apply mutation on top of latest revision: %+v", saved)
	}
}

func TestResumable(t *testing.T) {
	cases := []struct {
		name     string
		src, dst *store.Local
		want     bool
	}{
		{"nil source", nil, &store.Local{SessionID: "a", UpdateSeq: 1}, false},
		{"empty session id", &store.Local{SessionID: "", UpdateSeq: 1}, &store.Local{SessionID: "", UpdateSeq: 1}, false},
		{"mismatched session", &store.Local{SessionID: "a", UpdateSeq: 1}, &store.Local{SessionID: "b", UpdateSeq: 1}, false},
		{"not well formed", &store.Local{SessionID: "not base32!!", UpdateSeq: 1}, &store.Local{SessionID: "not base32!!", UpdateSeq: 1}, false},
		{"zero update seq", &store.Local{SessionID: "ABCDEFGH", UpdateSeq: 0}, &store.Local{SessionID: "ABCDEFGH", UpdateSeq: 1}, false},
		{"resumable", &store.Local{SessionID: "ABCDEFGH", UpdateSeq: 5}, &store.Local{SessionID: "ABCDEFGH", UpdateSeq: 3}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Resumable(c.src, c.dst); got != c.want {
				t.Errorf("Resumable(%+v, %+v) = %v, want %v", c.src, c.dst, got, c.want)
			}
		})
	}
}

func TestMinSeq(t *testing.T) {
	if got := minSeq(5, 3); got != 3 {
		t.Errorf("minSeq(5, 3) = %d, want 3", got)
	}
	if got := minSeq(1, 9); got != 1 {
		t.Errorf("minSeq(1, 9) = %d, want 1", got)
	}
}
