package metrics

import (
	"errors"
	"time"

	"github.com/paulmach/osm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wegman-software/osmdiffstats/internal/osc"
	"github.com/wegman-software/osmdiffstats/internal/replication"
)

const namespace = "osmdiffstats"

// Registry holds the exported metrics. It implements replication.Observer.
type Registry struct {
	registry *prometheus.Registry

	Sequence     prometheus.Gauge
	LagSeconds   prometheus.Gauge
	Batches      *prometheus.CounterVec
	Primitives   *prometheus.CounterVec
	DanglingRefs prometheus.Counter
	StateRetries prometheus.Counter

	SystemCPU     prometheus.Gauge
	ProcessCPU    prometheus.Gauge
	IOWait        prometheus.Gauge
	MemoryPercent prometheus.Gauge
	DiskRead      prometheus.Gauge
	DiskWrite     prometheus.Gauge
}

// NewRegistry creates and registers all metrics
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		Sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "sequence",
			Help:      "Sequence number of the replication cursor",
		}),
		LagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "lag_seconds",
			Help:      "Seconds between the cursor timestamp and the time it was reached",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed by result (ok, malformed, fetch_error)",
		}, []string{"result"}),
		Primitives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primitives_total",
			Help:      "Decoded primitives by kind and action",
		}, []string{"kind", "action"}),
		DanglingRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dangling_refs_total",
			Help:      "Way node references not found in their batch",
		}),
		StateRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_fetch_retries_total",
			Help:      "Failed attempts to fetch the next replication state",
		}),

		SystemCPU:     newSystemGauge("cpu_percent", "System-wide CPU usage"),
		ProcessCPU:    newSystemGauge("process_cpu_percent", "CPU usage of this process"),
		IOWait:        newSystemGauge("iowait_percent", "CPU time waiting for I/O"),
		MemoryPercent: newSystemGauge("memory_percent", "System memory usage"),
		DiskRead:      newSystemGauge("disk_read_mbps", "Disk read rate in MB/s"),
		DiskWrite:     newSystemGauge("disk_write_mbps", "Disk write rate in MB/s"),
	}

	r.registry.MustRegister(
		r.Sequence, r.LagSeconds, r.Batches, r.Primitives, r.DanglingRefs, r.StateRetries,
		r.SystemCPU, r.ProcessCPU, r.IOWait, r.MemoryPercent, r.DiskRead, r.DiskWrite,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func newSystemGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      name,
		Help:      help,
	})
}

// Gatherer returns the underlying Prometheus registry
func (r *Registry) Gatherer() *prometheus.Registry {
	return r.registry
}

// BatchProcessed counts the primitives of a handled batch
func (r *Registry) BatchProcessed(state *replication.State, batch *osc.Batch) {
	r.Batches.WithLabelValues("ok").Inc()

	s := batch.Stats()
	counts := []struct {
		kind   osm.Type
		action osc.Action
		n      int64
	}{
		{osm.TypeNode, osc.ActionCreate, s.NodesCreated},
		{osm.TypeNode, osc.ActionModify, s.NodesModified},
		{osm.TypeNode, osc.ActionDelete, s.NodesDeleted},
		{osm.TypeWay, osc.ActionCreate, s.WaysCreated},
		{osm.TypeWay, osc.ActionModify, s.WaysModified},
		{osm.TypeWay, osc.ActionDelete, s.WaysDeleted},
		{osm.TypeRelation, osc.ActionCreate, s.RelationsCreated},
		{osm.TypeRelation, osc.ActionModify, s.RelationsModified},
		{osm.TypeRelation, osc.ActionDelete, s.RelationsDeleted},
	}
	for _, c := range counts {
		if c.n > 0 {
			r.Primitives.WithLabelValues(string(c.kind), string(c.action)).Add(float64(c.n))
		}
	}
	r.DanglingRefs.Add(float64(s.DanglingRefs))
}

// BatchFailed counts a batch that could not be fetched or decoded
func (r *Registry) BatchFailed(seq int64, err error) {
	if errors.Is(err, osc.ErrMalformedFeed) || errors.Is(err, osc.ErrMalformedTimestamp) {
		r.Batches.WithLabelValues("malformed").Inc()
		return
	}
	r.Batches.WithLabelValues("fetch_error").Inc()
}

// StateRetry counts an unsuccessful next-state fetch
func (r *Registry) StateRetry(seq int64) {
	r.StateRetries.Inc()
}

// Advanced records the new cursor position and its lag behind now
func (r *Registry) Advanced(state *replication.State, now time.Time) {
	r.Sequence.Set(float64(state.SequenceNumber))
	r.LagSeconds.Set(now.Sub(state.Timestamp).Seconds())
}

// SetSystem publishes a system metrics sample
func (r *Registry) SetSystem(m *SystemMetrics) {
	r.SystemCPU.Set(m.CPUPercent)
	r.ProcessCPU.Set(m.ProcessCPUPercent)
	r.IOWait.Set(m.IOWaitPercent)
	r.MemoryPercent.Set(m.MemoryPercent)
	r.DiskRead.Set(m.DiskReadMBps)
	r.DiskWrite.Set(m.DiskWriteMBps)
}
