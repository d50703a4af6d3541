package bfenv

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Reactor and
// its attached Worker.
type Metrics struct {
	// Reactor counters
	EventsDispatched atomic.Uint64 // Event callbacks invoked
	TimersFired      atomic.Uint64 // Timer callbacks invoked
	FetchCalls       atomic.Uint64 // Backend.FetchEvents invocations
	FetchErrors      atomic.Uint64 // FetchEvents calls returning an error

	// Worker counters
	Submissions     atomic.Uint64 // Requests accepted by Worker.Submit
	SubmitRejected  atomic.Uint64 // Submit calls failing with EAGAIN (ring full)
	Completions     atomic.Uint64 // Requests completed by the worker
	CompletionErrs  atomic.Uint64 // Completions with a non-nil Request.Error
	OverflowEvents  atomic.Uint64 // Completions routed through the overflow list

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); each bucket[i] holds
	// the count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch records a single event or timer callback invocation.
func (m *Metrics) RecordDispatch(isTimer bool) {
	if isTimer {
		m.TimersFired.Add(1)
	} else {
		m.EventsDispatched.Add(1)
	}
}

// RecordFetch records one Backend.FetchEvents call.
func (m *Metrics) RecordFetch(latencyNs uint64, err error) {
	m.FetchCalls.Add(1)
	if err != nil {
		m.FetchErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSubmit records a worker submission outcome.
func (m *Metrics) RecordSubmit(accepted bool) {
	if accepted {
		m.Submissions.Add(1)
	} else {
		m.SubmitRejected.Add(1)
	}
}

// RecordCompletion records a completed worker request.
func (m *Metrics) RecordCompletion(tag int, bytes uint64, latencyNs uint64, overflowed bool, success bool) {
	m.Completions.Add(1)
	if !success {
		m.CompletionErrs.Add(1)
	}
	if overflowed {
		m.OverflowEvents.Add(1)
	}
	switch tag {
	case int(TagRead):
		m.ReadBytes.Add(bytes)
	case int(TagWrite):
		m.WriteBytes.Add(bytes)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records the current ready-queue or ring depth.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the reactor as stopped, freezing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	EventsDispatched uint64
	TimersFired      uint64
	FetchCalls       uint64
	FetchErrors      uint64

	Submissions    uint64
	SubmitRejected uint64
	Completions    uint64
	CompletionErrs uint64
	OverflowEvents uint64

	ReadBytes  uint64
	WriteBytes uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	ErrorRate  float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		EventsDispatched: m.EventsDispatched.Load(),
		TimersFired:      m.TimersFired.Load(),
		FetchCalls:       m.FetchCalls.Load(),
		FetchErrors:      m.FetchErrors.Load(),
		Submissions:      m.Submissions.Load(),
		SubmitRejected:   m.SubmitRejected.Load(),
		Completions:      m.Completions.Load(),
		CompletionErrs:   m.CompletionErrs.Load(),
		OverflowEvents:   m.OverflowEvents.Load(),
		ReadBytes:        m.ReadBytes.Load(),
		WriteBytes:       m.WriteBytes.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.EventsDispatched + snap.TimersFired + snap.Completions

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.Completions > 0 {
		snap.ErrorRate = float64(snap.CompletionErrs) / float64(snap.Completions) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.EventsDispatched.Store(0)
	m.TimersFired.Store(0)
	m.FetchCalls.Store(0)
	m.FetchErrors.Store(0)
	m.Submissions.Store(0)
	m.SubmitRejected.Store(0)
	m.Completions.Store(0)
	m.CompletionErrs.Store(0)
	m.OverflowEvents.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for the reactor and worker.
type Observer interface {
	ObserveDispatch(isTimer bool)
	ObserveFetch(latencyNs uint64, err error)
	ObserveSubmit(accepted bool)
	ObserveCompletion(tag int, bytes uint64, latencyNs uint64, overflowed bool, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer, the default when no
// metrics are wired in.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(bool)                            {}
func (NoOpObserver) ObserveFetch(uint64, error)                      {}
func (NoOpObserver) ObserveSubmit(bool)                              {}
func (NoOpObserver) ObserveCompletion(int, uint64, uint64, bool, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                        {}

// MetricsObserver implements Observer on top of a built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch(isTimer bool) { o.metrics.RecordDispatch(isTimer) }
func (o *MetricsObserver) ObserveFetch(latencyNs uint64, err error) {
	o.metrics.RecordFetch(latencyNs, err)
}
func (o *MetricsObserver) ObserveSubmit(accepted bool) { o.metrics.RecordSubmit(accepted) }
func (o *MetricsObserver) ObserveCompletion(tag int, bytes uint64, latencyNs uint64, overflowed bool, success bool) {
	o.metrics.RecordCompletion(tag, bytes, latencyNs, overflowed, success)
}
func (o *MetricsObserver) ObserveQueueDepth(depth uint32) { o.metrics.RecordQueueDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
