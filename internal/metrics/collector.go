package sasmetrics

import (
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "udpsas"
	subsystem = "reflector"
)

// Label names for datagram metrics.
const (
	labelListener  = "listener"
	labelLocalAddr = "local_addr"
	labelReason    = "reason"
	labelTarget    = "target"
	labelSource    = "source"
)

// Drop reasons recorded by the reflector.
const (
	DropReasonSendFailed = "send_failed"
	DropReasonOversize   = "oversize"
)

// -------------------------------------------------------------------------
// Collector - Prometheus datagram metrics
// -------------------------------------------------------------------------

// Collector holds all udpsas Prometheus metrics.
//
// The local_addr label is the destination address recovered from
// IP_PKTINFO / IPV6_PKTINFO, so a wildcard listener still shows traffic
// per interface address.
type Collector struct {
	// Listeners tracks the number of bound reflector sockets.
	Listeners prometheus.Gauge

	// DatagramsReceived counts datagrams received per listener and
	// destination address.
	DatagramsReceived *prometheus.CounterVec

	// DatagramsReflected counts datagrams sent back from the address they
	// arrived on.
	DatagramsReflected *prometheus.CounterVec

	// BytesReceived counts payload bytes received per listener.
	BytesReceived *prometheus.CounterVec

	// BytesReflected counts payload bytes sent back per listener.
	BytesReflected *prometheus.CounterVec

	// DatagramsDropped counts datagrams that could not be reflected.
	DatagramsDropped *prometheus.CounterVec

	// ReceiveErrors counts failed receive calls, including datagrams that
	// arrived without peer or destination metadata.
	ReceiveErrors *prometheus.CounterVec

	// ProbeRTT observes round-trip times measured by the probe monitor.
	ProbeRTT *prometheus.HistogramVec

	// ProbeLoss is the fraction of probes lost in the last monitoring
	// round per target and source.
	ProbeLoss *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Listeners,
		c.DatagramsReceived,
		c.DatagramsReflected,
		c.BytesReceived,
		c.BytesReflected,
		c.DatagramsDropped,
		c.ReceiveErrors,
		c.ProbeRTT,
		c.ProbeLoss,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	addrLabels := []string{labelListener, labelLocalAddr}
	probeLabels := []string{labelTarget, labelSource}
	listenerLabels := []string{labelListener}
	reasonLabels := []string{labelListener, labelReason}

	return &Collector{
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listeners",
			Help:      "Number of bound reflector sockets.",
		}),

		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received, by destination address.",
		}, addrLabels),

		DatagramsReflected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_reflected_total",
			Help:      "Total datagrams sent back from their arrival address.",
		}, addrLabels),

		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received.",
		}, listenerLabels),

		BytesReflected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_reflected_total",
			Help:      "Total payload bytes reflected.",
		}, listenerLabels),

		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams received but not reflected.",
		}, reasonLabels),

		ReceiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "receive_errors_total",
			Help:      "Total failed receive calls, including missing IP_PKTINFO metadata.",
		}, reasonLabels),

		ProbeRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "rtt_seconds",
			Help:      "Probe round-trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}, probeLabels),

		ProbeLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "loss_ratio",
			Help:      "Fraction of probes without a valid echo in the last round.",
		}, probeLabels),
	}
}

// -------------------------------------------------------------------------
// Listener Lifecycle
// -------------------------------------------------------------------------

// RegisterListener increments the listeners gauge.
func (c *Collector) RegisterListener() {
	c.Listeners.Inc()
}

// UnregisterListener decrements the listeners gauge.
func (c *Collector) UnregisterListener() {
	c.Listeners.Dec()
}

// -------------------------------------------------------------------------
// Datagram Counters
// -------------------------------------------------------------------------

// IncReceived counts one received datagram of size bytes.
func (c *Collector) IncReceived(listener netip.AddrPort, local netip.Addr, size int) {
	c.DatagramsReceived.WithLabelValues(listener.String(), local.String()).Inc()
	c.BytesReceived.WithLabelValues(listener.String()).Add(float64(size))
}

// IncReflected counts one reflected datagram of size bytes.
func (c *Collector) IncReflected(listener netip.AddrPort, local netip.Addr, size int) {
	c.DatagramsReflected.WithLabelValues(listener.String(), local.String()).Inc()
	c.BytesReflected.WithLabelValues(listener.String()).Add(float64(size))
}

// IncDropped counts one datagram that was not reflected.
func (c *Collector) IncDropped(listener netip.AddrPort, reason string) {
	c.DatagramsDropped.WithLabelValues(listener.String(), reason).Inc()
}

// IncReceiveErrors counts one failed receive. It satisfies
// netio.ReceiveErrorRecorder.
func (c *Collector) IncReceiveErrors(listener netip.AddrPort, reason string) {
	c.ReceiveErrors.WithLabelValues(listener.String(), reason).Inc()
}

// -------------------------------------------------------------------------
// Probes
// -------------------------------------------------------------------------

// ObserveProbeRTT records one probe round trip.
func (c *Collector) ObserveProbeRTT(target netip.AddrPort, source netip.Addr, rtt time.Duration) {
	c.ProbeRTT.WithLabelValues(target.String(), source.String()).Observe(rtt.Seconds())
}

// SetProbeLoss records the loss fraction of the last monitoring round.
func (c *Collector) SetProbeLoss(target netip.AddrPort, source netip.Addr, loss float64) {
	c.ProbeLoss.WithLabelValues(target.String(), source.String()).Set(loss)
}
