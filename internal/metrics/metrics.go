package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records job activity. A nil *Collector records nothing.
type Collector struct {
	Registry     *prometheus.Registry
	JobsStarted  *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	Items        *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		JobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migratory",
			Name:      "jobs_started_total",
			Help:      "Backup and restore jobs started.",
		}, []string{"kind", "object_type"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migratory",
			Name:      "jobs_finished_total",
			Help:      "Backup and restore jobs that reached a terminal status.",
		}, []string{"kind", "object_type", "status"}),
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "migratory",
			Name:      "job_progress_units_total",
			Help:      "Progress units processed by finished jobs.",
		}, []string{"kind", "object_type"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "migratory",
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"kind", "object_type"}),
	}
	c.Registry.MustRegister(c.JobsStarted, c.JobsFinished, c.Items, c.Duration)
	return c
}

func (c *Collector) JobStarted(kind, objectType string) {
	if c == nil {
		return
	}
	c.JobsStarted.WithLabelValues(kind, objectType).Inc()
}

func (c *Collector) JobFinished(kind, objectType, status string, units int64, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.JobsFinished.WithLabelValues(kind, objectType, status).Inc()
	if units > 0 {
		c.Items.WithLabelValues(kind, objectType).Add(float64(units))
	}
	c.Duration.WithLabelValues(kind, objectType).Observe(elapsed.Seconds())
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.Registry)
}
