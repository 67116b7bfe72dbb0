// Package couchdb is the concrete, production Store implementation:
// a CouchDB-speaking HTTP client built on resty, with per-peer
// connection reuse and a single transparent retry on idle-closed
// connections (spec.md §5, §6).
package couchdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/couchsync/replicator/store"
)

// Remote describes one document-store peer: a base URL plus opaque
// credential headers (spec.md §3 "Peer descriptor"). Auth and TLS
// configuration are the caller's concern; this package only ever
// copies Headers onto outgoing requests.
type Remote struct {
	URL     string
	Headers map[string]string

	// Timeout bounds every non-long-poll request. LongPollTimeout
	// bounds the _changes request issued with feed=longpoll; it must
	// be long enough to hold the connection open server-side (spec.md
	// §9's "timeouts should be made explicit in the client
	// configuration").
	Timeout         time.Duration
	LongPollTimeout time.Duration
}

func (r Remote) timeoutOrDefault() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 30 * time.Second
}

func (r Remote) longPollTimeoutOrDefault() time.Duration {
	if r.LongPollTimeout > 0 {
		return r.LongPollTimeout
	}
	return 65 * time.Second
}

var pool = newClientPool(newRestyClient)

// newRestyClient builds a single retry-on-idle-close HTTP client for
// one peer, the concrete form of the "automatic single-retry on
// connection closed by peer" requirement in spec.md §5/§6.1.
func newRestyClient(remote Remote) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(remote.URL, "/")).
		SetTimeout(remote.timeoutOrDefault()).
		SetRetryCount(1).
		SetRetryWaitTime(50 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err == nil {
				return false
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				return true
			}
			return strings.Contains(err.Error(), "EOF") ||
				strings.Contains(err.Error(), "connection reset")
		})

	for k, v := range remote.Headers {
		c.SetHeader(k, v)
	}
	return c
}

// Peer is a store.Peer backed by one CouchDB-speaking HTTP endpoint.
type Peer struct {
	remote Remote
	http   *resty.Client

	mu     sync.Mutex
	nodeID string
}

// NewPeer opens a Peer, reusing a pooled resty.Client if another
// Database/Peer already talks to the same base URL and headers.
func NewPeer(remote Remote) *Peer {
	return &Peer{remote: remote, http: pool.get(remote)}
}

// NodeID fetches and caches GET / 's uuid field; subsequent calls
// are free (spec.md §3: "used only as an input to the replication-ID").
func (p *Peer) NodeID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nodeID != "" {
		return p.nodeID, nil
	}

	var info rootInfo
	resp, err := p.http.R().SetContext(ctx).SetResult(&info).Get("/")
	if err := wireErr(resp, err); err != nil {
		return "", fmt.Errorf("get node id: %w", err)
	}
	p.nodeID = info.UUID
	return p.nodeID, nil
}

// Ping issues a cheap root-resource request to fail fast if the peer
// is unreachable (spec.md §4.5 Supervisor health check).
func (p *Peer) Ping(ctx context.Context) error {
	resp, err := p.http.R().SetContext(ctx).Get("/")
	return wireErr(resp, err)
}

// AllDBs lists every database on the peer (spec.md §6.2).
func (p *Peer) AllDBs(ctx context.Context) ([]string, error) {
	var names []string
	resp, err := p.http.R().SetContext(ctx).SetResult(&names).Get("/_all_dbs")
	if err := wireErr(resp, err); err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	return names, nil
}

// Database opens a handle to a named database on this peer.
func (p *Peer) Database(name string) store.Database {
	return &database{peer: p, name: name}
}

type database struct {
	peer *Peer
	name string
}

func (d *database) Name() string { return d.name }

func (d *database) NodeID(ctx context.Context) (string, error) {
	return d.peer.NodeID(ctx)
}

func (d *database) UpdateSeq(ctx context.Context) (int64, error) {
	var info dbInfo
	resp, err := d.peer.http.R().SetContext(ctx).SetResult(&info).Get("/" + url.PathEscape(d.name))
	if err := wireErr(resp, err); err != nil {
		return 0, fmt.Errorf("get database info: %w", err)
	}
	return info.UpdateSeq.asInt64(), nil
}

func (d *database) EnsureExists(ctx context.Context) error {
	var result okResponse
	resp, err := d.peer.http.R().SetContext(ctx).SetResult(&result).SetError(&result).
		Put("/" + url.PathEscape(d.name))
	if resp != nil && resp.StatusCode() == http.StatusPreconditionFailed {
		return nil // already exists
	}
	if err := wireErr(resp, err); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

func (d *database) Changes(ctx context.Context, opts store.ChangesOptions) (*store.ChangesFeed, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	req := d.peer.http.R().SetContext(ctx).
		SetQueryParam("style", "all_docs").
		SetQueryParam("limit", strconv.Itoa(limit))
	if opts.Since != "" {
		req.SetQueryParam("since", opts.Since)
	}
	if opts.LongPoll {
		req.SetQueryParam("feed", "longpoll").
			SetQueryParam("timeout", strconv.Itoa(int(d.peer.remote.longPollTimeoutOrDefault()/time.Millisecond))).
			SetTimeout(d.peer.remote.longPollTimeoutOrDefault() + 5*time.Second)
	}

	var wire changesWire
	resp, err := req.SetResult(&wire).Get("/" + url.PathEscape(d.name) + "/_changes")
	if err := wireErr(resp, err); err != nil {
		// A transport timeout during long-poll is normal: treat it as
		// an empty feed so the caller continues (spec.md §7).
		if opts.LongPoll && isTimeout(err) {
			return &store.ChangesFeed{LastSeq: opts.Since}, nil
		}
		return nil, fmt.Errorf("get changes: %w", err)
	}

	feed := &store.ChangesFeed{LastSeq: wire.LastSeq.String()}
	for _, r := range wire.Results {
		c := store.Change{Seq: r.Seq.String(), ID: r.ID, Deleted: r.Deleted}
		for _, rev := range r.Changes {
			c.Changes = append(c.Changes, store.Rev{Rev: rev.Rev})
		}
		feed.Results = append(feed.Results, c)
	}
	return feed, nil
}

func (d *database) RevsDiff(ctx context.Context, req store.RevsDiffRequest) (store.RevsDiffResponse, error) {
	var result store.RevsDiffResponse
	resp, err := d.peer.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&result).
		Post("/" + url.PathEscape(d.name) + "/_revs_diff")
	if err := wireErr(resp, err); err != nil {
		return nil, fmt.Errorf("revs diff: %w", err)
	}
	return result, nil
}

func (d *database) GetDoc(ctx context.Context, id string, opts store.GetDocOptions) (store.Doc, error) {
	r := d.peer.http.R().SetContext(ctx).SetQueryParam("rev", opts.Rev)
	if opts.Revs {
		r.SetQueryParam("revs", "true")
	}
	if opts.Atts {
		r.SetQueryParam("attachments", "true")
		r.SetQueryParam("atts_since", encodeAttsSince(opts.AttsSince))
	}

	resp, err := r.Get("/" + url.PathEscape(d.name) + "/" + pathEscapeDocID(id))
	if err := wireErr(resp, err); err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return store.Doc(resp.Body()), nil
}

func (d *database) BulkDocs(ctx context.Context, req store.BulkDocsRequest) ([]store.BulkDocsResult, error) {
	var results []store.BulkDocsResult
	resp, err := d.peer.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&results).
		Post("/" + url.PathEscape(d.name) + "/_bulk_docs")
	if err := wireErr(resp, err); err != nil {
		return nil, fmt.Errorf("bulk docs: %w", err)
	}
	return results, nil
}

func (d *database) EnsureFullCommit(ctx context.Context) error {
	var result okResponse
	resp, err := d.peer.http.R().SetContext(ctx).SetResult(&result).
		Post("/" + url.PathEscape(d.name) + "/_ensure_full_commit")
	if err := wireErr(resp, err); err != nil {
		return fmt.Errorf("ensure full commit: %w", err)
	}
	return nil
}

func (d *database) GetLocal(ctx context.Context, id string) (*store.Local, error) {
	var local store.Local
	resp, err := d.peer.http.R().SetContext(ctx).SetResult(&local).
		Get("/" + url.PathEscape(d.name) + "/" + id)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, store.ErrNotFound
	}
	if err := wireErr(resp, err); err != nil {
		return nil, fmt.Errorf("get local doc: %w", err)
	}
	return &local, nil
}

func (d *database) PutLocal(ctx context.Context, doc *store.Local) (*store.Local, error) {
	var result okResponse
	resp, err := d.peer.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(doc).
		SetResult(&result).
		Put("/" + url.PathEscape(d.name) + "/" + doc.ID)
	if resp != nil && resp.StatusCode() == http.StatusConflict {
		return nil, store.ErrConflict
	}
	if err := wireErr(resp, err); err != nil {
		return nil, fmt.Errorf("put local doc: %w", err)
	}

	saved := *doc
	// CouchDB's PUT response carries the new _rev under "rev";
	// okResponse has no field for it, so putRev reads it from the raw
	// response body.
	if rev, ok := putRev(resp); ok {
		saved.Rev = rev
	}
	return &saved, nil
}

// pathEscapeDocID escapes a document ID for use as a URL path
// segment while preserving CouchDB's "_design/" and "_local/" slash
// convention (both are themselves valid IDs with an embedded '/').
func pathEscapeDocID(id string) string {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) == 1 {
		return url.PathEscape(id)
	}
	return url.PathEscape(parts[0]) + "/" + url.PathEscape(parts[1])
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// wireErr classifies a resty response/error pair into the abstract
// taxonomy store.ErrNotFound / store.ErrConflict / a generic
// transport error (spec.md §7).
func wireErr(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return store.ErrConflict
	default:
		return fmt.Errorf("unexpected status %s", resp.Status())
	}
}

type revCarrier struct {
	Rev string `json:"rev"`
}

func putRev(resp *resty.Response) (string, bool) {
	var rc revCarrier
	if resp == nil {
		return "", false
	}
	if err := json.Unmarshal(resp.Body(), &rc); err != nil || rc.Rev == "" {
		return "", false
	}
	return rc.Rev, true
}
