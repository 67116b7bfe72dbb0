package replicator

import "testing"

func TestReplicationIDStableAndDirectional(t *testing.T) {
	id1 := ReplicationID("node-a", "foo", "node-b", "foo")
	id2 := ReplicationID("node-a", "foo", "node-b", "foo")
	if id1 != id2 {
		t.Fatalf("replication id not stable: %q != %q", id1, id2)
	}

	reverse := ReplicationID("node-b", "foo", "node-a", "foo")
	if id1 == reverse {
		t.Fatalf("replication id not directional: forward == reverse (%q)", id1)
	}

	other := ReplicationID("node-a", "bar", "node-b", "foo")
	if id1 == other {
		t.Fatalf("replication id collided across distinct source databases")
	}
}

func TestReplicationIDIsWellFormedBase32(t *testing.T) {
	id := ReplicationID("node-a", "foo", "node-b", "bar")
	if !isWellFormedBase32(id) {
		t.Fatalf("generated replication id %q is not well-formed base32", id)
	}
}

func TestReplicationIDPanicsOnSelfReplication(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when source and destination are identical")
		}
	}()
	ReplicationID("node-a", "foo", "node-a", "foo")
}
