package protection

import "time"

// Metrics receives counters from the projection pipeline. The HTTP adapter
// provides a Prometheus-backed implementation; tests and no-metrics setups
// use the no-op one.
type Metrics interface {
	RecordEvent()
	RecordListRefresh()
	RecordBan()
	RecordACLUpdate()
	RecordRedactions(count int)
	ObserveSyncDuration(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordEvent()                      {}
func (nopMetrics) RecordListRefresh()                {}
func (nopMetrics) RecordBan()                        {}
func (nopMetrics) RecordACLUpdate()                  {}
func (nopMetrics) RecordRedactions(int)              {}
func (nopMetrics) ObserveSyncDuration(time.Duration) {}

// NopMetrics is a Metrics implementation that discards everything.
var NopMetrics Metrics = nopMetrics{}
