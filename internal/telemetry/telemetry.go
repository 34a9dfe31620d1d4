package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one observation, or an aggregate when returned by Snapshot.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int               `json:"count,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates run metrics, serves them to the monitoring server and
// periodically flushes raw observations to the log. It implements the job
// runner's observer callbacks and the deploy stage observer.
type Collector struct {
	mu      sync.Mutex
	pending []Metric
	totals  map[string]*Metric
	started map[string]time.Time
	enabled bool
	now     func() time.Time

	flushCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCollector creates a collector. With flushEvery > 0 a background goroutine
// logs pending observations until Shutdown.
func NewCollector(enabled bool, flushEvery time.Duration) *Collector {
	c := &Collector{
		totals:  map[string]*Metric{},
		started: map[string]time.Time{},
		enabled: enabled,
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
	}
	if enabled && flushEvery > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.periodicFlush(ctx, flushEvery)
	}
	return c
}

// Counter adds value to a counter.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m.Timestamp = c.now()
	c.pending = append(c.pending, m)

	key := seriesKey(m.Name, m.Labels)
	agg, ok := c.totals[key]
	if !ok {
		agg = &Metric{Name: m.Name, Type: m.Type, Labels: m.Labels, Unit: m.Unit}
		c.totals[key] = agg
	}
	switch m.Type {
	case Gauge:
		agg.Value = m.Value
	default:
		agg.Value += m.Value
	}
	agg.Count++
	agg.Timestamp = m.Timestamp

	if len(c.pending) >= 100 {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns the aggregated series sorted by name and labels.
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	keys := make([]string, 0, len(c.totals))
	for k := range c.totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.totals[k])
	}
	c.mu.Unlock()
	return out
}

// Value returns the aggregate for one series, or 0.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.totals[seriesKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// FlushMetrics logs and clears pending observations.
func (c *Collector) FlushMetrics() {
	c.mu.Lock()
	metrics := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, m := range metrics {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush(ctx context.Context, every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		case <-c.flushCh:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the flush loop and flushes what is left.
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.FlushMetrics()
}

func (c *Collector) OnStart(spec api.JobSpec) {
	c.mu.Lock()
	c.started[spec.ID] = c.now()
	c.mu.Unlock()
	c.Counter("appfleet_jobs_started_total", 1, nil)
}

func (c *Collector) OnAttempt(spec api.JobSpec, attempt int, lastErr error) {
	c.Counter("appfleet_job_attempts_total", 1, nil)
	if lastErr != nil {
		c.Counter("appfleet_job_retries_total", 1, nil)
	}
}

func (c *Collector) OnFinish(res api.JobResult) {
	c.mu.Lock()
	start, ok := c.started[res.JobID]
	delete(c.started, res.JobID)
	c.mu.Unlock()

	outcome := "failed"
	if res.Succeeded {
		outcome = "succeeded"
	}
	c.Counter("appfleet_jobs_"+outcome+"_total", 1, nil)
	if ok {
		c.Timer("appfleet_job_duration", c.now().Sub(start), map[string]string{"outcome": outcome})
	}
}

func (c *Collector) OnDeploy(res api.DeploymentResult) {
	outcome := "failed"
	if res.Deployed {
		outcome = "succeeded"
	}
	c.Counter("appfleet_deployments_"+outcome+"_total", 1, map[string]string{"target": res.Target})
}

// RecordRun records the shape of a finished run.
func (c *Collector) RecordRun(sum api.RunSummary) {
	c.Gauge("appfleet_run_worker_count", float64(sum.WorkerCount), nil)
	c.Gauge("appfleet_run_elapsed_seconds", sum.ElapsedSeconds, nil)
	c.Gauge("appfleet_run_jobs", float64(sum.Total), nil)
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + labelString(labels) + "}"
}

func labelString(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+`="`+strings.ReplaceAll(v, `"`, `\"`)+`"`)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
