// Package metrics exposes sequence, slice and job counters to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"longrunner/internal/eventbus"
	"longrunner/internal/longrunner"
	"longrunner/internal/task/engine"
)

const namespace = "longrunner"

// Collector owns every metric. It registers on the registry it is given so
// tests and embedders can keep separate registries.
type Collector struct {
	reg *prometheus.Registry

	slicesTotal   *prometheus.CounterVec
	sliceDuration *prometheus.HistogramVec
	itemsTotal    *prometheus.CounterVec

	sequencesTotal *prometheus.CounterVec
	resumeRejected *prometheus.CounterVec

	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobQueueWait prometheus.Histogram
}

func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		slicesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_total",
			Help:      "Action invocations by outcome.",
		}, []string{"action", "outcome"}),
		sliceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slice_duration_seconds",
			Help:      "Wall time of one action invocation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"action"}),
		itemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items processed by result.",
		}, []string{"action", "result"}),
		sequencesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_total",
			Help:      "Sequence runs by the state they ended in.",
		}, []string{"action", "state"}),
		resumeRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_rejected_total",
			Help:      "Resume attempts refused before running.",
		}, []string{"reason"}),
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Engine job lifecycle events.",
		}, []string{"job", "event"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Engine job run time including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobQueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time jobs spent queued.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// SliceDone implements longrunner.Observer.
func (c *Collector) SliceDone(ev longrunner.SliceEvent) {
	c.slicesTotal.WithLabelValues(ev.Action, ev.Outcome.String()).Inc()
	c.sliceDuration.WithLabelValues(ev.Action).Observe(ev.Took.Seconds())
	if ev.Succeeded > 0 {
		c.itemsTotal.WithLabelValues(ev.Action, "succeeded").Add(float64(ev.Succeeded))
	}
	if ev.Failed > 0 {
		c.itemsTotal.WithLabelValues(ev.Action, "failed").Add(float64(ev.Failed))
	}
}

// SequenceDone counts one Run or Resume call by the state it left.
func (c *Collector) SequenceDone(action string, state longrunner.State) {
	c.sequencesTotal.WithLabelValues(action, string(state)).Inc()
}

func (c *Collector) ResumeRejected(reason string) {
	c.resumeRejected.WithLabelValues(reason).Inc()
}

// Run consumes job.* events from bus until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	return eventbus.Pump(ctx, bus, 256, eventbus.HasPrefix("job."), func(_ context.Context, e eventbus.Event) error {
		c.observeJob(e)
		return nil
	})
}

func (c *Collector) observeJob(e eventbus.Event) {
	ev, ok := e.Data.(engine.JobEvent)
	if !ok {
		return
	}
	c.jobsTotal.WithLabelValues(ev.Name, e.Type).Inc()
	switch e.Type {
	case engine.EventJobStarted:
		c.jobQueueWait.Observe(ev.QueueDelay.Seconds())
	case engine.EventJobFinished, engine.EventJobFailed:
		c.jobDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	}
}
