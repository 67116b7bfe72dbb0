package replicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/couchsync/replicator/store/fake"
)

func TestReplicateOneShotTransfersAllDocs(t *testing.T) {
	ctx := context.Background()
	src := fake.New("node-src")
	dst := fake.New("node-dst")

	for i := 0; i < 5; i++ {
		src.Seed("widgets", docID(i), map[string]interface{}{"n": i})
	}

	srcNodeID, _ := src.NodeID(ctx)
	dstNodeID, _ := dst.NodeID(ctx)

	session, err := LoadSession(ctx, srcNodeID, src.Database("widgets"), dstNodeID, dst.Database("widgets"))
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	if err := session.Replicate(ctx); err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	if session.DocCount != 5 {
		t.Fatalf("DocCount = %d, want 5", session.DocCount)
	}

	seq, ok := session.UpdateSeq()
	if !ok || seq == 0 {
		t.Fatalf("expected a committed non-zero update_seq, got %d (%v)", seq, ok)
	}
}

func TestReplicateIsIdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	src := fake.New("node-src")
	dst := fake.New("node-dst")

	src.Seed("widgets", "doc-1", map[string]interface{}{"n": 1})
	srcNodeID, _ := src.NodeID(ctx)
	dstNodeID, _ := dst.NodeID(ctx)

	session, err := LoadSession(ctx, srcNodeID, src.Database("widgets"), dstNodeID, dst.Database("widgets"))
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := session.Replicate(ctx); err != nil {
		t.Fatalf("first Replicate: %v", err)
	}
	if session.DocCount != 1 {
		t.Fatalf("first Replicate transferred %d docs, want 1", session.DocCount)
	}

	resumed, err := LoadSession(ctx, srcNodeID, src.Database("widgets"), dstNodeID, dst.Database("widgets"))
	if err != nil {
		t.Fatalf("LoadSession (resume): %v", err)
	}
	if _, ok := resumed.UpdateSeq(); !ok {
		t.Fatal("expected resumed session to have a committed update_seq")
	}
	if err := resumed.Replicate(ctx); err != nil {
		t.Fatalf("second Replicate: %v", err)
	}
	if resumed.DocCount != 0 {
		t.Fatalf("rerun transferred %d docs, want 0 (nothing new since checkpoint)", resumed.DocCount)
	}
}

func TestReplicateContinuouslyStopsOnContextCancel(t *testing.T) {
	src := fake.New("node-src")
	dst := fake.New("node-dst")

	src.Seed("widgets", "doc-1", map[string]interface{}{"n": 1})

	ctx := context.Background()
	srcNodeID, _ := src.NodeID(ctx)
	dstNodeID, _ := dst.NodeID(ctx)

	session, err := LoadSession(ctx, srcNodeID, src.Database("widgets"), dstNodeID, dst.Database("widgets"))
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err = session.ReplicateContinuously(runCtx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReplicateContinuously returned %v, want context.DeadlineExceeded", err)
	}
	if session.DocCount == 0 {
		t.Fatal("expected at least the pre-seeded document to have been transferred before cancellation")
	}
}

func docID(i int) string {
	const alphabet = "abcdefghij"
	return "doc-" + string(alphabet[i])
}
