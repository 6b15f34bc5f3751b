package metrics

import (
	"context"
	"sync"
)

// MemorySink keeps metrics in process memory. Tests use it in place of
// Redis, and the queue watcher uses one to track deltas between polls.
type MemorySink struct {
	mu         sync.Mutex
	counters   map[string]int64
	labeled    map[string]map[string]int64
	gauges     map[string]float64
	histograms map[string]*memHistogram
	buckets    []float64
}

type memHistogram struct {
	bucketCounts []int64
	inf          int64
	sum          float64
	count        int64
}

// NewMemorySink returns an empty in-memory sink using the default
// histogram buckets.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		counters:   map[string]int64{},
		labeled:    map[string]map[string]int64{},
		gauges:     map[string]float64{},
		histograms: map[string]*memHistogram{},
		buckets:    DefaultBuckets,
	}
}

func (s *MemorySink) Incr(_ context.Context, name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += n
}

func (s *MemorySink) IncrLabeled(_ context.Context, name string, labels map[string]string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.labeled[name]
	if !ok {
		m = map[string]int64{}
		s.labeled[name] = m
	}
	m[labelString(labels)] += n
}

func (s *MemorySink) SetGauge(_ context.Context, name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = v
}

func (s *MemorySink) Observe(_ context.Context, name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histograms[name]
	if !ok {
		h = &memHistogram{bucketCounts: make([]int64, len(s.buckets))}
		s.histograms[name] = h
	}
	for i, le := range s.buckets {
		if v <= le {
			h.bucketCounts[i]++
		}
	}
	h.inf++
	h.sum += v
	h.count++
}

func (s *MemorySink) Counter(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name], nil
}

// CounterLabeled reads one label combination back, for tests.
func (s *MemorySink) CounterLabeled(name string, labels map[string]string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.labeled[name][labelString(labels)]
}

// Gauge reads a gauge back, for tests.
func (s *MemorySink) Gauge(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[name]
}

// RenderPrometheus renders the sink's contents in the Prometheus text
// exposition format.
func (s *MemorySink) RenderPrometheus(_ context.Context) (string, error) {
	return renderText(s.snapshot()), nil
}

// Snapshot returns plain counters and gauges as maps.
func (s *MemorySink) Snapshot(_ context.Context) (map[string]int64, map[string]float64, error) {
	snap := s.snapshot()
	return snap.counters, snap.gauges, nil
}

func (s *MemorySink) snapshot() *snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := newSnapshot()
	for name, v := range s.counters {
		snap.counters[name] = v
	}
	for name, combos := range s.labeled {
		for combo, v := range combos {
			snap.addLabeled(name, combo, v)
		}
	}
	for name, v := range s.gauges {
		snap.gauges[name] = v
	}
	for name, h := range s.histograms {
		out := &histogram{sum: h.sum, count: h.count}
		for i, le := range s.buckets {
			out.buckets = append(out.buckets, bucket{le: formatBound(le), count: h.bucketCounts[i]})
		}
		out.buckets = append(out.buckets, bucket{le: "+Inf", count: h.inf})
		snap.histograms[name] = out
	}
	return snap
}
