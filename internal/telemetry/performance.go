package telemetry

import (
	"runtime"
	"time"
)

// RuntimeSampler records process gauges into a collector on demand.
type RuntimeSampler struct {
	collector *Collector
	startTime time.Time
}

func NewRuntimeSampler(c *Collector) *RuntimeSampler {
	return &RuntimeSampler{collector: c, startTime: time.Now()}
}

// Sample records heap, goroutine, cpu and uptime gauges.
func (s *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.collector.Gauge("appfleet_memory_heap_bytes", float64(m.HeapAlloc), nil)
	s.collector.Gauge("appfleet_goroutines", float64(runtime.NumGoroutine()), nil)
	s.collector.Gauge("appfleet_cpu_cores", float64(runtime.NumCPU()), nil)
	s.collector.Gauge("appfleet_gomaxprocs", float64(runtime.GOMAXPROCS(0)), nil)
	s.collector.Gauge("appfleet_uptime_seconds", time.Since(s.startTime).Seconds(), nil)
}
