package engine

import "github.com/manlab/nodescope-go/wire"

// MetricsSink receives engine-level counters. The metrics package provides a
// Prometheus-backed implementation; NopMetrics is the default.
type MetricsSink interface {
	SessionCreated(kind wire.Kind)
	SessionClosed()
	ListServed(kind wire.Kind, entries int)
	ReadServed(kind wire.Kind, bytes int)
	ErrorReturned(code wire.Code)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

var _ MetricsSink = NopMetrics{}

func (NopMetrics) SessionCreated(wire.Kind)    {}
func (NopMetrics) SessionClosed()              {}
func (NopMetrics) ListServed(wire.Kind, int)   {}
func (NopMetrics) ReadServed(wire.Kind, int)   {}
func (NopMetrics) ErrorReturned(wire.Code)     {}
