//go:build integration

// Package integration exercises the couchdb.Peer/Database
// implementation against real CouchDB containers: a one-shot
// replication of freshly seeded documents, followed by a rerun that
// must transfer nothing because the saved checkpoint covers every
// change.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/couchsync/replicator"
	"github.com/couchsync/replicator/store"
	"github.com/couchsync/replicator/store/couchdb"
)

// bulkDocsOf builds a BulkDocsRequest from literal JSON document
// bodies, writing them as fresh documents (new_edits=true, the
// server default) so the test can seed a source database
// without going through the replication machinery under test.
func bulkDocsOf(t *testing.T, docs ...string) store.BulkDocsRequest {
	t.Helper()
	req := store.BulkDocsRequest{NewEdits: true}
	for _, d := range docs {
		req.Docs = append(req.Docs, store.Doc(d))
	}
	return req
}

func startCouchDB(t *testing.T) couchdb.Remote {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "admin",
		},
		WaitingFor: wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start couchdb container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5984")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	return couchdb.Remote{
		URL: fmt.Sprintf("http://%s:%s", host, port.Port()),
		Headers: map[string]string{
			"Authorization": "Basic YWRtaW46YWRtaW4=", // admin:admin
		},
	}
}

func TestOneShotReplicationAgainstRealCouchDB(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	srcRemote := startCouchDB(t)
	dstRemote := startCouchDB(t)

	src := couchdb.NewPeer(srcRemote)
	dst := couchdb.NewPeer(dstRemote)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	srcDB := src.Database("integration-widgets")
	if err := srcDB.EnsureExists(ctx); err != nil {
		t.Fatalf("create source database: %v", err)
	}

	if _, err := srcDB.BulkDocs(ctx, bulkDocsOf(t,
		`{"_id":"doc-1","n":1}`,
		`{"_id":"doc-2","n":2}`,
	)); err != nil {
		t.Fatalf("seed source database: %v", err)
	}

	srcNodeID, err := src.NodeID(ctx)
	if err != nil {
		t.Fatalf("source node id: %v", err)
	}
	dstNodeID, err := dst.NodeID(ctx)
	if err != nil {
		t.Fatalf("destination node id: %v", err)
	}

	session, err := replicator.LoadSession(ctx, srcNodeID, srcDB, dstNodeID, dst.Database("integration-widgets"))
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if err := session.Replicate(ctx); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if session.DocCount != 2 {
		t.Fatalf("DocCount = %d, want 2", session.DocCount)
	}

	// A second run against the same pair must be a no-op: the
	// checkpoint already covers every change on the source.
	again, err := replicator.LoadSession(ctx, srcNodeID, srcDB, dstNodeID, dst.Database("integration-widgets"))
	if err != nil {
		t.Fatalf("LoadSession (rerun): %v", err)
	}
	if err := again.Replicate(ctx); err != nil {
		t.Fatalf("Replicate (rerun): %v", err)
	}
	if again.DocCount != 0 {
		t.Fatalf("rerun DocCount = %d, want 0", again.DocCount)
	}
}
