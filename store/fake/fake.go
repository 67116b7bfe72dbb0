// Package fake is an in-memory store.Peer/store.Database used by the
// replicator package's unit tests, so the replication algorithm can be
// exercised deterministically without a real CouchDB server.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/couchsync/replicator/store"
)

type revision struct {
	rev  string
	doc  store.Doc
	seq  int64
	gen  int
}

// Peer is an in-memory store.Peer. The zero value is not usable; use
// New.
type Peer struct {
	nodeID string

	mu      sync.Mutex
	seq     int64
	dbs     map[string]*PeerDB
}

// PeerDB holds one in-memory database's revisions and _local
// documents. Tests seed it through Peer.Seed; application code should
// go through the store.Peer/store.Database interfaces.
type PeerDB struct {
	name string

	mu   sync.Mutex
	docs map[string][]revision // doc id -> revisions, oldest first
	locals map[string]*store.Local
}

// New creates a Peer with the given opaque node identifier.
func New(nodeID string) *Peer {
	return &Peer{nodeID: nodeID, dbs: make(map[string]*PeerDB)}
}

func (p *Peer) NodeID(ctx context.Context) (string, error) { return p.nodeID, nil }

func (p *Peer) Ping(ctx context.Context) error { return nil }

func (p *Peer) AllDBs(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.dbs))
	for name := range p.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Peer) Database(name string) store.Database {
	p.mu.Lock()
	defer p.mu.Unlock()
	db, ok := p.dbs[name]
	if !ok {
		db = &PeerDB{name: name, docs: make(map[string][]revision), locals: make(map[string]*store.Local)}
		p.dbs[name] = db
	}
	return &database{peer: p, db: db}
}

// Seed writes a document directly into db (bypassing replication
// semantics), incrementing the peer's update_seq and returning the
// assigned revision string "N-<deterministic>". Intended for test
// setup only.
func (p *Peer) Seed(dbName, id string, body map[string]interface{}) string {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	db := p.Database(dbName).(*database).db

	db.mu.Lock()
	defer db.mu.Unlock()

	gen := len(db.docs[id]) + 1
	rev := fmt.Sprintf("%d-%08x", gen, seq)

	b := cloneWithRev(body, id, rev)
	db.docs[id] = append(db.docs[id], revision{rev: rev, doc: b, seq: seq, gen: gen})
	return rev
}

func cloneWithRev(body map[string]interface{}, id, rev string) store.Doc {
	m := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		m[k] = v
	}
	m["_id"] = id
	m["_rev"] = rev
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return store.Doc(b)
}

type database struct {
	peer *Peer
	db   *PeerDB
}

func (d *database) Name() string { return d.db.name }

func (d *database) NodeID(ctx context.Context) (string, error) { return d.peer.NodeID(ctx) }

func (d *database) UpdateSeq(ctx context.Context) (int64, error) {
	d.peer.mu.Lock()
	defer d.peer.mu.Unlock()
	return d.peer.seq, nil
}

func (d *database) EnsureExists(ctx context.Context) error { return nil } // Database() already created it

func (d *database) Changes(ctx context.Context, opts store.ChangesOptions) (*store.ChangesFeed, error) {
	since := int64(0)
	if opts.Since != "" {
		n, err := strconv.ParseInt(opts.Since, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("fake: bad since %q: %w", opts.Since, err)
		}
		since = n
	}

	d.db.mu.Lock()
	defer d.db.mu.Unlock()

	type row struct {
		id   string
		seq  int64
		revs []string
	}
	var rows []row
	for id, revs := range d.db.docs {
		var matched []string
		var maxSeq int64
		for _, r := range revs {
			if r.seq > since {
				matched = append(matched, r.rev)
				if r.seq > maxSeq {
					maxSeq = r.seq
				}
			}
		}
		if len(matched) > 0 {
			rows = append(rows, row{id: id, seq: maxSeq, revs: matched})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	limit := opts.Limit
	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	rows = rows[:limit]

	feed := &store.ChangesFeed{}
	lastSeq := since
	for _, r := range rows {
		c := store.Change{Seq: strconv.FormatInt(r.seq, 10), ID: r.id}
		for _, rev := range r.revs {
			c.Changes = append(c.Changes, store.Rev{Rev: rev})
		}
		feed.Results = append(feed.Results, c)
		if r.seq > lastSeq {
			lastSeq = r.seq
		}
	}
	if len(rows) == 0 {
		d.peer.mu.Lock()
		lastSeq = d.peer.seq
		d.peer.mu.Unlock()
	}
	feed.LastSeq = strconv.FormatInt(lastSeq, 10)
	return feed, nil
}

func (d *database) RevsDiff(ctx context.Context, req store.RevsDiffRequest) (store.RevsDiffResponse, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()

	resp := make(store.RevsDiffResponse)
	for id, revs := range req {
		have := map[string]bool{}
		var known []string
		for _, r := range d.db.docs[id] {
			have[r.rev] = true
			known = append(known, r.rev)
		}
		var missing []string
		for _, rev := range revs {
			if !have[rev] {
				missing = append(missing, rev)
			}
		}
		if len(missing) > 0 {
			resp[id] = store.RevsDiffEntry{Missing: missing, PossibleAncestors: known}
		}
	}
	return resp, nil
}

func (d *database) GetDoc(ctx context.Context, id string, opts store.GetDocOptions) (store.Doc, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()

	for _, r := range d.db.docs[id] {
		if r.rev == opts.Rev {
			return r.doc, nil
		}
	}
	return nil, store.ErrNotFound
}

func (d *database) BulkDocs(ctx context.Context, req store.BulkDocsRequest) ([]store.BulkDocsResult, error) {
	d.peer.mu.Lock()
	d.peer.seq++
	seq := d.peer.seq
	d.peer.mu.Unlock()

	d.db.mu.Lock()
	defer d.db.mu.Unlock()

	results := make([]store.BulkDocsResult, 0, len(req.Docs))
	for _, raw := range req.Docs {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("fake: bad doc: %w", err)
		}
		id, _ := m["_id"].(string)
		rev, _ := m["_rev"].(string)
		gen := 0
		fmt.Sscanf(rev, "%d-", &gen)

		d.db.docs[id] = append(d.db.docs[id], revision{rev: rev, doc: raw, seq: seq, gen: gen})
		results = append(results, store.BulkDocsResult{ID: id, Rev: rev})
	}
	return results, nil
}

func (d *database) EnsureFullCommit(ctx context.Context) error { return nil }

func (d *database) GetLocal(ctx context.Context, id string) (*store.Local, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()
	if l, ok := d.db.locals[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (d *database) PutLocal(ctx context.Context, doc *store.Local) (*store.Local, error) {
	d.db.mu.Lock()
	defer d.db.mu.Unlock()

	existing, ok := d.db.locals[doc.ID]
	if ok && existing.Rev != doc.Rev {
		return nil, store.ErrConflict
	}

	saved := *doc
	gen := 1
	if ok {
		fmt.Sscanf(existing.Rev, "%d-", &gen)
		gen++
	}
	saved.Rev = fmt.Sprintf("%d-local", gen)
	d.db.locals[doc.ID] = &saved

	cp := saved
	return &cp, nil
}

var _ store.Peer = (*Peer)(nil)
var _ store.Database = (*database)(nil)
