package metrics

import (
	"sync"
	"time"
)

// Sample is one recorded datum.
type Sample struct {
	Name  string
	Value float64
	Dims  map[string]string
}

// MemoryRecorder keeps every datum in memory. Tests across packages use it to
// assert on emitted telemetry.
type MemoryRecorder struct {
	mu      sync.Mutex
	counts  []Sample
	timings []Sample
}

var _ Recorder = (*MemoryRecorder)(nil)

func (m *MemoryRecorder) Count(name string, value float64, dims ...Dimension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, Sample{Name: name, Value: value, Dims: dimMap(dims)})
}

func (m *MemoryRecorder) Timing(name string, d time.Duration, dims ...Dimension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = append(m.timings, Sample{Name: name, Value: float64(d.Milliseconds()), Dims: dimMap(dims)})
}

func (m *MemoryRecorder) RecordRequest(method, endpoint, status string, d time.Duration) {
	recordRequest(m, method, endpoint, status, d)
}

// Counts returns the counters recorded under name.
func (m *MemoryRecorder) Counts(name string) []Sample {
	return m.filter(func() []Sample { return m.counts }, name)
}

// Timings returns the timings recorded under name.
func (m *MemoryRecorder) Timings(name string) []Sample {
	return m.filter(func() []Sample { return m.timings }, name)
}

func (m *MemoryRecorder) filter(samples func() []Sample, name string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range samples() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func dimMap(dims []Dimension) map[string]string {
	out := make(map[string]string, len(dims))
	for _, d := range dims {
		out[d.Name] = d.Value
	}
	return out
}
