package msgbuf

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// collector implements prometheus.Collector, reading the protocol's metrics
// and stats on each scrape.
type collector struct {
	p *Protocol

	txFramesTotal   *prometheus.Desc
	txBytesTotal    *prometheus.Desc
	rxFramesTotal   *prometheus.Desc
	rxBytesTotal    *prometheus.Desc
	eventsTotal     *prometheus.Desc
	bufPostsTotal   *prometheus.Desc
	ioctlsTotal     *prometheus.Desc
	flowEventsTotal *prometheus.Desc
	anomaliesTotal  *prometheus.Desc

	ioctlLatency *prometheus.Desc

	up            *prometheus.Desc
	buffersPosted *prometheus.Desc
	pktIDsInUse   *prometheus.Desc
	flows         *prometheus.Desc
	flowQueued    *prometheus.Desc
	flowInFlight  *prometheus.Desc
	ringFill      *prometheus.Desc
}

// NewCollector returns a prometheus.Collector exporting p's counters and ring
// state. Register it on a registry served by promhttp.
func NewCollector(p *Protocol) prometheus.Collector {
	return &collector{
		p: p,

		txFramesTotal: prometheus.NewDesc(
			"msgbuf_tx_frames_total",
			"Transmit frames by outcome.",
			[]string{"result"}, nil,
		),
		txBytesTotal: prometheus.NewDesc(
			"msgbuf_tx_bytes_total",
			"Bytes of successfully transmitted frames.",
			nil, nil,
		),
		rxFramesTotal: prometheus.NewDesc(
			"msgbuf_rx_frames_total",
			"Received frames by outcome.",
			[]string{"result"}, nil,
		),
		rxBytesTotal: prometheus.NewDesc(
			"msgbuf_rx_bytes_total",
			"Bytes of delivered data frames.",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"msgbuf_events_total",
			"Firmware events delivered.",
			nil, nil,
		),
		bufPostsTotal: prometheus.NewDesc(
			"msgbuf_buffer_posts_total",
			"Receive buffers posted to the firmware.",
			[]string{"kind"}, nil,
		),
		ioctlsTotal: prometheus.NewDesc(
			"msgbuf_ioctls_total",
			"Ioctl transactions by outcome.",
			[]string{"result"}, nil,
		),
		flowEventsTotal: prometheus.NewDesc(
			"msgbuf_flow_events_total",
			"Flow ring lifecycle events.",
			[]string{"event"}, nil,
		),
		anomaliesTotal: prometheus.NewDesc(
			"msgbuf_completion_anomalies_total",
			"Completions that could not be applied.",
			[]string{"kind"}, nil,
		),
		ioctlLatency: prometheus.NewDesc(
			"msgbuf_ioctl_latency_seconds",
			"Ioctl round-trip latency.",
			nil, nil,
		),
		up: prometheus.NewDesc(
			"msgbuf_up",
			"Whether the bus is up and the protocol attached.",
			nil, nil,
		),
		buffersPosted: prometheus.NewDesc(
			"msgbuf_buffers_posted",
			"Receive buffers currently held by the firmware.",
			[]string{"kind"}, nil,
		),
		pktIDsInUse: prometheus.NewDesc(
			"msgbuf_pktids_in_use",
			"Live packet handles.",
			[]string{"direction"}, nil,
		),
		flows: prometheus.NewDesc(
			"msgbuf_flows",
			"Flow rings by state.",
			[]string{"state"}, nil,
		),
		flowQueued: prometheus.NewDesc(
			"msgbuf_flow_queued_frames",
			"Frames waiting on a flow's host queue.",
			[]string{"flow", "ifidx", "fifo"}, nil,
		),
		flowInFlight: prometheus.NewDesc(
			"msgbuf_flow_inflight_frames",
			"Frames posted to a flow ring without a TX_STATUS yet.",
			[]string{"flow", "ifidx", "fifo"}, nil,
		),
		ringFill: prometheus.NewDesc(
			"msgbuf_ring_fill_items",
			"Items between the read and write index of a common ring.",
			[]string{"ring"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.txFramesTotal
	ch <- c.txBytesTotal
	ch <- c.rxFramesTotal
	ch <- c.rxBytesTotal
	ch <- c.eventsTotal
	ch <- c.bufPostsTotal
	ch <- c.ioctlsTotal
	ch <- c.flowEventsTotal
	ch <- c.anomaliesTotal
	ch <- c.ioctlLatency
	ch <- c.up
	ch <- c.buffersPosted
	ch <- c.pktIDsInUse
	ch <- c.flows
	ch <- c.flowQueued
	ch <- c.flowInFlight
	ch <- c.ringFill
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.p.metrics.Snapshot()
	c.collectCounters(ch, &snap)
	c.collectLatency(ch, &snap)
	if c.p.Closed() {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	c.collectState(ch, c.p.Stats())
}

func (c *collector) collectCounters(ch chan<- prometheus.Metric, s *MetricsSnapshot) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.txFramesTotal, s.TxPosted, "posted")
	counter(c.txFramesTotal, s.TxCompleted, "completed")
	counter(c.txFramesTotal, s.TxFailed, "failed")
	counter(c.txFramesTotal, s.TxDropped, "dropped")
	counter(c.txFramesTotal, s.TxRequeued, "requeued")
	counter(c.txBytesTotal, s.TxBytes)

	counter(c.rxFramesTotal, s.RxPackets, "delivered")
	counter(c.rxFramesTotal, s.RxMonitor, "monitor")
	counter(c.rxFramesTotal, s.RxDropped, "dropped")
	counter(c.rxBytesTotal, s.RxBytes)
	counter(c.eventsTotal, s.Events)
	counter(c.bufPostsTotal, s.RxBufPosted, "data")
	counter(c.bufPostsTotal, s.CtrlBufPosted, "control")

	counter(c.ioctlsTotal, s.IoctlOps-min(s.IoctlOps, s.IoctlErrors), "ok")
	counter(c.ioctlsTotal, s.IoctlErrors-min(s.IoctlErrors, s.IoctlTimeouts), "error")
	counter(c.ioctlsTotal, s.IoctlTimeouts, "timeout")

	counter(c.flowEventsTotal, s.FlowsCreated, FlowCreated.String())
	counter(c.flowEventsTotal, s.FlowCreateFailures, FlowCreateFailed.String())
	counter(c.flowEventsTotal, s.FlowsDeleted, FlowDeleted.String())

	counter(c.anomaliesTotal, s.UnknownMessages, "unknown_type")
	counter(c.anomaliesTotal, s.StaleHandles, "stale_handle")
	counter(c.anomaliesTotal, s.BadFlowIDs, "bad_flow_id")
}

// collectLatency exports the fixed-bucket ioctl histogram. Metrics buckets
// are already cumulative.
func (c *collector) collectLatency(ch chan<- prometheus.Metric, s *MetricsSnapshot) {
	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, upper := range LatencyBuckets {
		buckets[float64(upper)/1e9] = s.LatencyHistogram[i]
	}
	sum := float64(s.AvgLatencyNs) * float64(s.IoctlOps) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.ioctlLatency, s.IoctlOps, sum, buckets)
}

func (c *collector) collectState(ch chan<- prometheus.Metric, st Stats) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	up := 0.0
	if st.Up {
		up = 1
	}
	gauge(c.up, up)
	gauge(c.buffersPosted, float64(st.RxDataPosted), "data")
	gauge(c.buffersPosted, float64(st.EventsPosted), "event")
	gauge(c.buffersPosted, float64(st.IoctlRespPosted), "ioctl_response")
	gauge(c.pktIDsInUse, float64(st.TxPktIDsInUse), "tx")
	gauge(c.pktIDsInUse, float64(st.RxPktIDsInUse), "rx")

	byState := map[string]int{}
	for _, s := range []FlowState{FlowRequested, FlowCreateSent, FlowOpen, FlowDeleteSent} {
		byState[s.String()] = 0
	}
	for _, f := range st.Flows {
		byState[f.State]++
		flow := strconv.Itoa(int(f.FlowID))
		ifidx := strconv.Itoa(f.IfIdx)
		fifo := strconv.Itoa(int(f.FIFO))
		gauge(c.flowQueued, float64(f.QueueLen), flow, ifidx, fifo)
		gauge(c.flowInFlight, float64(f.Outstanding), flow, ifidx, fifo)
	}
	for s, n := range byState {
		gauge(c.flows, float64(n), s)
	}

	for _, r := range st.Rings {
		fill := uint32(0)
		if r.Depth > 0 {
			fill = (r.WriteIdx + r.Depth - r.ReadIdx) % r.Depth
		}
		gauge(c.ringFill, float64(fill), r.Name)
	}
}
