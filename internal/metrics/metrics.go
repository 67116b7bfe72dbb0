// Package metrics wires replication progress into Prometheus. It is
// entirely optional: a nil *Registry is a valid no-op collaborator,
// the same pattern the teacher repo uses for logger.Noop.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the Prometheus instruments for one replicator
// process. Register it with a prometheus.Registerer (or leave it
// unregistered for tests) and thread it through via
// replicator.WithMetrics / supervisor.WithMetrics.
type Registry struct {
	batches     *prometheus.CounterVec
	docs        *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	lastSeq     *prometheus.GaugeVec
}

// New creates a Registry and registers its instruments with reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_batches_total",
			Help: "Number of completed ChangeBatcher invocations, per database.",
		}, []string{"database"}),
		docs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_docs_transferred_total",
			Help: "Number of document revisions written to the destination, per database.",
		}, []string{"database"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicator_worker_restarts_total",
			Help: "Number of times a continuous replication worker was respawned after exiting, per database.",
		}, []string{"database"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replicator_active_workers",
			Help: "Number of continuous replication workers currently running.",
		}),
		lastSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicator_checkpoint_update_seq",
			Help: "Most recently committed update_seq, per database.",
		}, []string{"database"}),
	}

	reg.MustRegister(r.batches, r.docs, r.restarts, r.activeWorkers, r.lastSeq)
	return r
}

// ObserveBatch records that n documents were transferred in one batch
// for database db. A nil Registry is a no-op.
func (r *Registry) ObserveBatch(db string, n int) {
	if r == nil {
		return
	}
	r.batches.WithLabelValues(db).Inc()
	if n > 0 {
		r.docs.WithLabelValues(db).Add(float64(n))
	}
}

// ObserveCheckpoint records the update_seq just committed for db.
func (r *Registry) ObserveCheckpoint(db string, updateSeq int64) {
	if r == nil {
		return
	}
	r.lastSeq.WithLabelValues(db).Set(float64(updateSeq))
}

// WorkerStarted increments the active-worker gauge.
func (r *Registry) WorkerStarted() {
	if r == nil {
		return
	}
	r.activeWorkers.Inc()
}

// WorkerStopped decrements the active-worker gauge and, if restarted
// is true, records a restart for db.
func (r *Registry) WorkerStopped(db string, restarted bool) {
	if r == nil {
		return
	}
	r.activeWorkers.Dec()
	if restarted {
		r.restarts.WithLabelValues(db).Inc()
	}
}
