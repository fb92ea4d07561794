// Package metrics records broker telemetry. Recording never blocks a delivery
// and never fails one: sinks swallow and log their own errors.
package metrics

import (
	"context"
	"strconv"
	"time"

	"eventbroker/internal/types"
)

// Dimension is a CloudWatch metric dimension.
type Dimension struct {
	Name  string
	Value string
}

// Dim is shorthand for a Dimension literal.
func Dim(name, value string) Dimension {
	return Dimension{Name: name, Value: value}
}

// Recorder is the sink every component records into.
type Recorder interface {
	Count(name string, value float64, dims ...Dimension)
	Timing(name string, d time.Duration, dims ...Dimension)
}

// Flusher is a sink that can publish its buffer on demand.
type Flusher interface {
	Flush(ctx context.Context) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Count(string, float64, ...Dimension)        {}
func (NopRecorder) Timing(string, time.Duration, ...Dimension) {}

// RecordRequest satisfies the HTTP chassis collector so the nop sink can be
// used everywhere a Recorder is.
func (NopRecorder) RecordRequest(string, string, string, time.Duration) {}

func (NopRecorder) Flush(context.Context) error { return nil }

// recordRequest emits the per-request API pair on any Recorder.
func recordRequest(r Recorder, method, endpoint, status string, d time.Duration) {
	dims := []Dimension{
		Dim(types.DimMethod, method),
		Dim(types.DimEndpoint, endpoint),
		Dim(types.DimStatusCode, status),
	}
	r.Count(types.MetricAPIRequestCount, 1, dims...)
	r.Timing(types.MetricAPILatency, d, dims[:2]...)
}

// StatusDim formats an HTTP status code dimension.
func StatusDim(code int) Dimension {
	return Dim(types.DimStatusCode, strconv.Itoa(code))
}
