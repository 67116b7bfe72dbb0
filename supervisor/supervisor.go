// Package supervisor implements the multi-database replication
// supervisor (spec.md §4.5): it discovers user databases on a source
// peer, keeps one continuous replicator.Session running per database,
// reaps crashed workers, and respawns them.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/couchsync/replicator"
	"github.com/couchsync/replicator/internal/metrics"
	"github.com/couchsync/replicator/logger"
	"github.com/couchsync/replicator/store"
)

// MonitorPeriod is the minimum, start-to-start period between monitor
// loop iterations (spec.md §4.5: "measured from start of iteration to
// start of iteration, not between iterations").
const MonitorPeriod = 15 * time.Second

// ReapTimeout bounds how long the monitor loop waits on each worker
// to detect termination.
const ReapTimeout = 2 * time.Second

// initialSyncConcurrency bounds how many databases run their initial
// one-shot catch-up phase at once (spec.md §4.5 "Startup").
const initialSyncConcurrency = 4

// DatabaseFilter decides whether a discovered database name should be
// replicated. A nil filter replicates every non-reserved database.
type DatabaseFilter func(name string) bool

// Supervisor owns one continuous replicator.Session per user database
// discovered on src, replicating it to the same-named database on dst.
type Supervisor struct {
	src, dst store.Peer
	srcID    string
	dstID    string
	filter   DatabaseFilter

	logger  logger.Logger
	metrics *metrics.Registry

	sessionOpts []replicator.SessionOption

	mu      sync.Mutex
	workers map[string]*worker

	restartLimiter *rate.Limiter
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger attaches a logger.Logger; the default is logger.Noop.
func WithLogger(l logger.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics attaches a metrics.Registry; nil (the default) disables
// instrumentation.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithFilter restricts which discovered databases get replicated,
// mirroring the original implementation's names_filter_func.
func WithFilter(f DatabaseFilter) Option {
	return func(s *Supervisor) { s.filter = f }
}

// WithSessionOptions forwards options (logger, metrics, batch size)
// to every replicator.Session the Supervisor creates.
func WithSessionOptions(opts ...replicator.SessionOption) Option {
	return func(s *Supervisor) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// New resolves both peers' node identifiers once (spec.md §9: the
// original fetches each exactly once at construction, not per
// database) and returns a Supervisor ready to Run.
func New(ctx context.Context, src, dst store.Peer, opts ...Option) (*Supervisor, error) {
	srcID, err := src.NodeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve source node id: %w", err)
	}
	dstID, err := dst.NodeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve destination node id: %w", err)
	}

	s := &Supervisor{
		src:            src,
		dst:            dst,
		srcID:          srcID,
		dstID:          dstID,
		logger:         new(logger.Noop),
		workers:        make(map[string]*worker),
		restartLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run performs the initial sync-up for every database currently on
// the source, then loops the monitor forever. It returns only when
// ctx is cancelled or the destination peer becomes unreachable
// (spec.md §4.5 Failure model: "the Supervisor itself only dies if it
// cannot reach the destination peer at all").
func (s *Supervisor) Run(ctx context.Context) error {
	names, err := s.discover(ctx)
	if err != nil {
		// monitorOnce's discovery step retries on every tick.
		s.logger.Warningf("discover databases: %v", err)
	}

	if err := s.bringUp(ctx, names); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Databases left without a worker are respawned in continuous
		// mode by monitorOnce's discovery step.
		s.logger.Warningf("initial sync: %v", err)
	}
	s.logger.Infof("current replications: %v", s.activeNames())

	for {
		start := time.Now()
		if err := s.monitorOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(start.Add(MonitorPeriod))):
		}
	}
}

// bringUp runs one-shot replication to completion for every name,
// then spawns its continuous worker, with bounded concurrency across
// databases (spec.md §4.5 Startup).
func (s *Supervisor) bringUp(ctx context.Context, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initialSyncConcurrency)

	for _, name := range names {
		name := name
		g.Go(func() error {
			session, err := s.loadSession(gctx, name)
			if err != nil {
				return fmt.Errorf("load session for %q: %w", name, err)
			}
			if err := session.Replicate(gctx); err != nil {
				return fmt.Errorf("initial sync for %q: %w", name, err)
			}
			s.spawn(name, session)
			return nil
		})
	}

	return g.Wait()
}

// monitorOnce runs one iteration of the monitor loop: reap, health
// check, discover (spec.md §4.5).
func (s *Supervisor) monitorOnce(ctx context.Context) error {
	s.reap(ctx)

	if err := s.dst.Ping(ctx); err != nil {
		return fmt.Errorf("destination unreachable: %w", err)
	}

	names, err := s.discover(ctx)
	if err != nil {
		s.logger.Warningf("discover databases: %v", err)
		return nil
	}

	active := s.activeNames()
	activeSet := make(map[string]bool, len(active))
	for _, n := range active {
		activeSet[n] = true
	}

	for _, name := range names {
		if activeSet[name] {
			continue
		}
		s.restartContinuous(ctx, name)
	}
	return nil
}

// reap waits up to ReapTimeout on each worker; any that have exited
// are removed from the active set and logged as a failure (spec.md
// §4.5: "a continuous worker exiting indicates failure").
func (s *Supervisor) reap(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	workers := make([]*worker, len(names))
	for i, name := range names {
		workers[i] = s.workers[name]
	}
	s.mu.Unlock()

	for i, w := range workers {
		if w.join(ReapTimeout) {
			continue
		}
		s.logger.Warningf("reaped worker for %q (possible crash): %v", names[i], w.err())

		s.mu.Lock()
		delete(s.workers, names[i])
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.WorkerStopped(names[i], true)
		}
	}
}

// restartContinuous spawns a database directly into continuous mode,
// skipping the initial one-shot phase: spec.md §4.5 explains this is
// correct for both a freshly created database (empty either way) and
// a just-reaped crash (resuming from the last good checkpoint).
func (s *Supervisor) restartContinuous(ctx context.Context, name string) {
	_ = s.restartLimiter.Wait(ctx) // crash-loop pacing (spec.md §4.5 Failure model)

	session, err := s.loadSession(ctx, name)
	if err != nil {
		s.logger.Warningf("load session for %q: %v", name, err)
		return
	}
	s.spawn(name, session)
}

func (s *Supervisor) loadSession(ctx context.Context, name string) (*replicator.Session, error) {
	opts := append([]replicator.SessionOption{
		replicator.WithLogger(s.logger),
		replicator.WithMetrics(s.metrics),
	}, s.sessionOpts...)
	return replicator.LoadSession(ctx, s.srcID, s.src.Database(name), s.dstID, s.dst.Database(name), opts...)
}

// spawn starts session's continuous replication loop on its own
// goroutine and tracks it in the active set.
func (s *Supervisor) spawn(name string, session *replicator.Session) {
	w := newWorker(session)

	s.mu.Lock()
	s.workers[name] = w
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WorkerStarted()
	}

	w.start()
}

// discover enumerates user databases on the source, excluding
// reserved-prefix names and anything the filter rejects (spec.md §4.5
// Startup / Discovery).
func (s *Supervisor) discover(ctx context.Context) ([]string, error) {
	names, err := s.src.AllDBs(ctx)
	if err != nil {
		return nil, err
	}

	out := names[:0:0]
	for _, name := range names {
		if len(name) == 0 || name[0] == '_' {
			continue
		}
		if s.filter != nil && !s.filter(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Supervisor) activeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
