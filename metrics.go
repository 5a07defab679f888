package msgbuf

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the ioctl latency histogram buckets in nanoseconds.
// Buckets cover from 10us to the 2s response bound with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,        // 10us
	100_000,       // 100us
	1_000_000,     // 1ms
	10_000_000,    // 10ms
	100_000_000,   // 100ms
	500_000_000,   // 500ms
	1_000_000_000, // 1s
	2_000_000_000, // 2s
}

const numLatencyBuckets = 8

// Metrics tracks protocol statistics
type Metrics struct {
	// Transmit
	TxPosted    atomic.Uint64 // TX_POST records written
	TxCompleted atomic.Uint64 // TX_STATUS with success
	TxFailed    atomic.Uint64 // TX_STATUS with a firmware error
	TxDropped   atomic.Uint64 // Queued frames discarded by flow teardown
	TxRequeued  atomic.Uint64 // Frames put back on their queue by a stalled drain
	TxBytes     atomic.Uint64 // Bytes of successfully completed frames

	// Receive
	RxPackets     atomic.Uint64 // Data frames delivered
	RxBytes       atomic.Uint64 // Bytes of delivered data frames
	RxMonitor     atomic.Uint64 // 802.11 frames delivered to the monitor
	RxDropped     atomic.Uint64 // Received frames released undelivered
	Events        atomic.Uint64 // Firmware events delivered
	RxBufPosted   atomic.Uint64 // Data buffers posted
	CtrlBufPosted atomic.Uint64 // Event and ioctl-response buffers posted

	// Control
	IoctlOps      atomic.Uint64
	IoctlErrors   atomic.Uint64 // Transport failures and nonzero firmware status
	IoctlTimeouts atomic.Uint64

	// Flows
	FlowsCreated       atomic.Uint64
	FlowCreateFailures atomic.Uint64
	FlowsDeleted       atomic.Uint64

	// Protocol inconsistencies
	UnknownMessages atomic.Uint64 // Completions with an unsupported type
	StaleHandles    atomic.Uint64 // Completions naming a packet id that is not live
	BadFlowIDs      atomic.Uint64 // Completions naming a flow id out of range

	// Outstanding TX sampled at every drain
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Ioctl latency
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of ioctls with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // Attach timestamp (UnixNano)
	StopTime  atomic.Int64 // Detach timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTx records one transmit completion
func (m *Metrics) RecordTx(bytes uint64, success bool) {
	if success {
		m.TxCompleted.Add(1)
		m.TxBytes.Add(bytes)
	} else {
		m.TxFailed.Add(1)
	}
}

// RecordRx records one delivered data frame
func (m *Metrics) RecordRx(bytes uint64) {
	m.RxPackets.Add(1)
	m.RxBytes.Add(bytes)
}

// RecordEvent records one delivered firmware event
func (m *Metrics) RecordEvent() {
	m.Events.Add(1)
}

// RecordIoctl records one ioctl transaction
func (m *Metrics) RecordIoctl(latencyNs uint64, success, timedOut bool) {
	m.IoctlOps.Add(1)
	if !success {
		m.IoctlErrors.Add(1)
	}
	if timedOut {
		m.IoctlTimeouts.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlow records a flow lifecycle event
func (m *Metrics) RecordFlow(ev FlowEvent) {
	switch ev {
	case FlowCreated:
		m.FlowsCreated.Add(1)
	case FlowCreateFailed:
		m.FlowCreateFailures.Add(1)
	case FlowDeleted:
		m.FlowsDeleted.Add(1)
	}
}

// RecordQueueDepth records outstanding TX for statistics
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

// Stop marks the protocol as detached
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	TxPosted    uint64
	TxCompleted uint64
	TxFailed    uint64
	TxDropped   uint64
	TxRequeued  uint64
	TxBytes     uint64

	RxPackets     uint64
	RxBytes       uint64
	RxMonitor     uint64
	RxDropped     uint64
	Events        uint64
	RxBufPosted   uint64
	CtrlBufPosted uint64

	IoctlOps      uint64
	IoctlErrors   uint64
	IoctlTimeouts uint64

	FlowsCreated       uint64
	FlowCreateFailures uint64
	FlowsDeleted       uint64

	UnknownMessages uint64
	StaleHandles    uint64
	BadFlowIDs      uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Ioctl latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	// Computed
	TxPPS     float64
	RxPPS     float64
	TxRate    float64 // Bytes per second
	RxRate    float64
	ErrorRate float64 // Percentage of failed transmits
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TxPosted:           m.TxPosted.Load(),
		TxCompleted:        m.TxCompleted.Load(),
		TxFailed:           m.TxFailed.Load(),
		TxDropped:          m.TxDropped.Load(),
		TxRequeued:         m.TxRequeued.Load(),
		TxBytes:            m.TxBytes.Load(),
		RxPackets:          m.RxPackets.Load(),
		RxBytes:            m.RxBytes.Load(),
		RxMonitor:          m.RxMonitor.Load(),
		RxDropped:          m.RxDropped.Load(),
		Events:             m.Events.Load(),
		RxBufPosted:        m.RxBufPosted.Load(),
		CtrlBufPosted:      m.CtrlBufPosted.Load(),
		IoctlOps:           m.IoctlOps.Load(),
		IoctlErrors:        m.IoctlErrors.Load(),
		IoctlTimeouts:      m.IoctlTimeouts.Load(),
		FlowsCreated:       m.FlowsCreated.Load(),
		FlowCreateFailures: m.FlowCreateFailures.Load(),
		FlowsDeleted:       m.FlowsDeleted.Load(),
		UnknownMessages:    m.UnknownMessages.Load(),
		StaleHandles:       m.StaleHandles.Load(),
		BadFlowIDs:         m.BadFlowIDs.Load(),
		MaxQueueDepth:      m.MaxQueueDepth.Load(),
	}

	if n := m.QueueDepthCount.Load(); n > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.TxPPS = float64(snap.TxCompleted) / uptimeSeconds
		snap.RxPPS = float64(snap.RxPackets) / uptimeSeconds
		snap.TxRate = float64(snap.TxBytes) / uptimeSeconds
		snap.RxRate = float64(snap.RxBytes) / uptimeSeconds
	}

	if done := snap.TxCompleted + snap.TxFailed; done > 0 {
		snap.ErrorRate = float64(snap.TxFailed) / float64(done) * 100.0
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

	// beyond every bucket
	return LatencyBuckets[numLatencyBuckets-1]
}

// FlowEvent is a flow lifecycle transition reported to an Observer
type FlowEvent int

const (
	FlowCreated FlowEvent = iota
	FlowCreateFailed
	FlowDeleted
)

func (e FlowEvent) String() string {
	switch e {
	case FlowCreated:
		return "created"
	case FlowCreateFailed:
		return "create_failed"
	case FlowDeleted:
		return "deleted"
	}
	return "unknown"
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveTx is called for each TX_STATUS
	ObserveTx(bytes uint64, success bool)

	// ObserveRx is called for each delivered data frame
	ObserveRx(bytes uint64)

	// ObserveEvent is called for each delivered firmware event
	ObserveEvent()

	// ObserveIoctl is called when an ioctl transaction ends
	ObserveIoctl(latencyNs uint64, success, timedOut bool)

	// ObserveFlow is called on flow creation, creation failure and removal
	ObserveFlow(ev FlowEvent)

	// ObserveQueueDepth is called with a flow's outstanding TX on every drain
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveTx(uint64, bool)          {}
func (NoOpObserver) ObserveRx(uint64)                {}
func (NoOpObserver) ObserveEvent()                   {}
func (NoOpObserver) ObserveIoctl(uint64, bool, bool) {}
func (NoOpObserver) ObserveFlow(FlowEvent)           {}
func (NoOpObserver) ObserveQueueDepth(uint32)        {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTx(bytes uint64, success bool) {
	o.metrics.RecordTx(bytes, success)
}

func (o *MetricsObserver) ObserveRx(bytes uint64) {
	o.metrics.RecordRx(bytes)
}

func (o *MetricsObserver) ObserveEvent() {
	o.metrics.RecordEvent()
}

func (o *MetricsObserver) ObserveIoctl(latencyNs uint64, success, timedOut bool) {
	o.metrics.RecordIoctl(latencyNs, success, timedOut)
}

func (o *MetricsObserver) ObserveFlow(ev FlowEvent) {
	o.metrics.RecordFlow(ev)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
