package replicator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/couchsync/replicator/internal/metrics"
	"github.com/couchsync/replicator/logger"
	"github.com/couchsync/replicator/store"
)

// DefaultBatchSize is the "balance between per-request overhead and
// memory footprint" batch size named in spec.md §4.3.
const DefaultBatchSize = 50

// MinBatchSize is the lowest batch size implementations must accept.
const MinBatchSize = 10

// Session is one process-lifetime run of a replication for a given
// database pair. It is owned by exactly one goroutine and is never
// shared, so it carries no synchronization (spec.md §3, §9).
type Session struct {
	ReplicationID string

	srcDoc, dstDoc *store.Local

	SessionID string

	hasUpdateSeq bool
	updateSeq    int64
	newUpdateSeq string // raw last_seq string from the source, staged

	DocCount int

	continuous bool
	BatchSize  int

	src, dst store.Database

	logger  logger.Logger
	metrics *metrics.Registry
}

// SessionOption configures a Session at load time.
type SessionOption func(*Session)

// WithLogger attaches a logger.Logger; the default is logger.Noop.
func WithLogger(l logger.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithMetrics attaches a metrics.Registry; nil (the default) disables
// instrumentation.
func WithMetrics(m *metrics.Registry) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithBatchSize overrides DefaultBatchSize. Panics if n < MinBatchSize,
// per spec.md §4.3's "must be a positive integer >= 10".
func WithBatchSize(n int) SessionOption {
	return func(s *Session) {
		if n < MinBatchSize {
			panic(fmt.Sprintf("replicator: batch size %d below minimum %d", n, MinBatchSize))
		}
		s.BatchSize = n
	}
}

// LoadSession computes the replication ID for (srcNode, src.Name())
// -> (dstNode, dst.Name()), loads both peers' checkpoints, ensures the
// destination database exists, and determines whether the session can
// resume an earlier run (spec.md §4.2 load_session).
func LoadSession(ctx context.Context, srcNode string, src store.Database, dstNode string, dst store.Database, opts ...SessionOption) (*Session, error) {
	id := ReplicationID(srcNode, src.Name(), dstNode, dst.Name())

	srcDoc, err := loadCheckpoint(ctx, src, id)
	if err != nil {
		return nil, fmt.Errorf("load source checkpoint: %w", err)
	}

	if err := dst.EnsureExists(ctx); err != nil {
		return nil, fmt.Errorf("ensure destination database exists: %w", err)
	}

	dstDoc, err := loadCheckpoint(ctx, dst, id)
	if err != nil {
		return nil, fmt.Errorf("load destination checkpoint: %w", err)
	}

	s := &Session{
		ReplicationID: id,
		srcDoc:        srcDoc,
		dstDoc:        dstDoc,
		SessionID:     newSessionID(),
		BatchSize:     DefaultBatchSize,
		src:           src,
		dst:           dst,
		logger:        new(logger.Noop),
	}

	if Resumable(srcDoc, dstDoc) {
		s.hasUpdateSeq = true
		s.updateSeq = minSeq(srcDoc.UpdateSeq, dstDoc.UpdateSeq)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// UpdateSeq returns the committed progress, or (0, false) if the
// session has not yet committed a checkpoint.
func (s *Session) UpdateSeq() (int64, bool) {
	return s.updateSeq, s.hasUpdateSeq
}

// Replicate drives one-shot replication to completion: it snapshots
// the source's current update_seq as stop_at_seq and repeatedly runs
// ChangeBatcher until it stops progressing or reaches that snapshot
// (spec.md §4.4.1). The snapshot is taken once, up front: writes that
// land on the source after Replicate starts are NOT guaranteed to be
// transferred by this call (an intentional "open question" the spec
// asks implementations to preserve rather than silently fix).
func (s *Session) Replicate(ctx context.Context) error {
	s.continuous = false

	stopAtSeq, err := s.src.UpdateSeq(ctx)
	if err != nil {
		return fmt.Errorf("sample source update_seq: %w", err)
	}

	start := time.Now()
	for {
		outcome, err := s.runBatch(ctx)
		if err != nil {
			return err
		}

		if !outcome.progressed {
			break
		}

		if err := s.persistCheckpoints(ctx); err != nil {
			return err
		}

		if s.hasUpdateSeq && s.updateSeq >= stopAtSeq {
			s.logger.Debugf("current update_seq %d >= stop_at_seq %d", s.updateSeq, stopAtSeq)
			break
		}
	}

	s.logger.Infof("%s: replicated %d docs in %s", s.ReplicationID, s.DocCount, time.Since(start))
	return nil
}

// ReplicateContinuously marks the session as long-poll and loops
// forever, persisting a checkpoint every time a batch progresses
// (spec.md §4.4.2). It returns only on a fatal, unrecoverable error
// or, with ctx.Err(), once ctx is done; the Supervisor treats any
// return as the worker's crash signal.
func (s *Session) ReplicateContinuously(ctx context.Context) error {
	s.continuous = true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		outcome, err := s.runBatch(ctx)
		if err != nil {
			return err
		}

		if outcome.progressed {
			if err := s.persistCheckpoints(ctx); err != nil {
				return err
			}
		}
		// "no progress" in continuous mode means the long-poll
		// already slept server-side; loop immediately.
	}
}

// persistCheckpoints writes the destination checkpoint before the
// source checkpoint, in that fixed order, per spec.md §4.4.3: dying
// between the two leaves the destination ahead but idempotently
// re-sendable, never the reverse.
func (s *Session) persistCheckpoints(ctx context.Context) error {
	if err := s.dst.EnsureFullCommit(ctx); err != nil {
		return fmt.Errorf("ensure full commit on destination: %w", err)
	}

	dstDoc, err := saveCheckpoint(ctx, s.dst, s.dstDoc, s.SessionID, s.updateSeq)
	if err != nil {
		return fmt.Errorf("save destination checkpoint: %w", err)
	}
	s.dstDoc = dstDoc

	srcDoc, err := saveCheckpoint(ctx, s.src, s.srcDoc, s.SessionID, s.updateSeq)
	if err != nil {
		return fmt.Errorf("save source checkpoint: %w", err)
	}
	s.srcDoc = srcDoc

	s.logger.Debugf("checkpoint %s at %s", s.ReplicationID, strconv.FormatInt(s.updateSeq, 10))
	if s.metrics != nil {
		s.metrics.ObserveCheckpoint(s.src.Name(), s.updateSeq)
	}
	return nil
}
