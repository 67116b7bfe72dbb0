// Package store defines the abstract document-store collaborator the
// replication core depends on. Nothing in this package talks HTTP;
// concrete wire implementations live in store/couchdb.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a document, database, or _local
	// checkpoint does not exist on the peer.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write collides with a newer
	// revision already present on the peer.
	ErrConflict = errors.New("store: conflict")
)

// Doc is an opaque document as returned by the wire protocol: every
// field the core cares about (_id, _rev) lives alongside whatever
// application fields the document carries.
type Doc = json.RawMessage

// Change is one row of a _changes feed response.
type Change struct {
	Seq     string   `json:"seq"`
	ID      string   `json:"id"`
	Deleted bool     `json:"deleted,omitempty"`
	Changes []Rev    `json:"changes"`
}

// Rev names one revision of a document.
type Rev struct {
	Rev string `json:"rev"`
}

// ChangesFeed is the decoded response of GET /{db}/_changes.
type ChangesFeed struct {
	LastSeq string   `json:"last_seq"`
	Results []Change `json:"results"`
}

// ChangesOptions configures a _changes request.
type ChangesOptions struct {
	Since    string
	Limit    int
	LongPoll bool
}

// RevsDiffRequest is the body of POST /{db}/_revs_diff: doc id to the
// list of revisions the caller has.
type RevsDiffRequest map[string][]string

// RevsDiffEntry is one value of a _revs_diff response.
type RevsDiffEntry struct {
	Missing            []string `json:"missing"`
	PossibleAncestors  []string `json:"possible_ancestors,omitempty"`
}

// RevsDiffResponse is the decoded response of POST /{db}/_revs_diff.
type RevsDiffResponse map[string]RevsDiffEntry

// GetDocOptions configures a single-revision document fetch.
type GetDocOptions struct {
	Rev        string
	Revs       bool
	Atts       bool
	AttsSince  []string
}

// BulkDocsRequest is the body of POST /{db}/_bulk_docs.
type BulkDocsRequest struct {
	Docs     []Doc `json:"docs"`
	NewEdits bool  `json:"new_edits"`
}

// BulkDocsResult is one row of a _bulk_docs response.
type BulkDocsResult struct {
	ID    string `json:"id"`
	Rev   string `json:"rev,omitempty"`
	Error string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Local is the decoded form of a _local/<id> checkpoint document.
type Local struct {
	ID        string `json:"_id"`
	Rev       string `json:"_rev,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UpdateSeq int64  `json:"update_seq,omitempty"`
}

// Database is a handle to one database on one peer. All core
// components talk to peers exclusively through this interface, never
// through a concrete HTTP client, so the replication algorithm can be
// tested against an in-memory fake (see store/fake).
type Database interface {
	// Name is the database name this handle addresses.
	Name() string

	// NodeID returns the opaque peer identity (one GET / per peer,
	// cached for the life of the underlying client).
	NodeID(ctx context.Context) (string, error)

	// UpdateSeq returns the peer's current update_seq for this
	// database, used by one-shot replication to snapshot a stop point.
	UpdateSeq(ctx context.Context) (int64, error)

	// EnsureExists creates the database if missing. Implementations
	// must tolerate "already exists" as success.
	EnsureExists(ctx context.Context) error

	// Changes fetches one page of the _changes feed.
	Changes(ctx context.Context, opts ChangesOptions) (*ChangesFeed, error)

	// RevsDiff computes which of the given revisions this database
	// is missing.
	RevsDiff(ctx context.Context, req RevsDiffRequest) (RevsDiffResponse, error)

	// GetDoc fetches a single document revision, optionally inlining
	// revision history and not-yet-known attachments.
	GetDoc(ctx context.Context, id string, opts GetDocOptions) (Doc, error)

	// BulkDocs writes a batch of documents, preserving edit history
	// when req.NewEdits is false.
	BulkDocs(ctx context.Context, req BulkDocsRequest) ([]BulkDocsResult, error)

	// EnsureFullCommit forces an fsync of previously written documents.
	EnsureFullCommit(ctx context.Context) error

	// GetLocal loads a _local/<id> checkpoint document. A missing
	// document is reported as ErrNotFound; loadCheckpoint in
	// checkpoint.go turns that into a fresh Local with only ID set.
	GetLocal(ctx context.Context, id string) (*Local, error)

	// PutLocal persists a _local/<id> checkpoint document.
	PutLocal(ctx context.Context, doc *Local) (*Local, error)
}

// Peer can enumerate the user databases it hosts and open handles to
// them; the Supervisor uses this to discover and supervise databases.
type Peer interface {
	// NodeID returns the opaque peer identity.
	NodeID(ctx context.Context) (string, error)

	// Ping issues a cheap root-resource request, used for health
	// checks.
	Ping(ctx context.Context) error

	// AllDBs lists every database on the peer, including the
	// reserved-prefix ones (callers filter).
	AllDBs(ctx context.Context) ([]string, error)

	// Database opens a handle to a named database on this peer.
	Database(name string) Database
}
