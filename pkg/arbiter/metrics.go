package arbiter

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "arbiter"

type metrics struct {
	grants     *prometheus.CounterVec
	stops      *prometheus.CounterVec
	losts      *prometheus.CounterVec
	stale      *prometheus.CounterVec
	violations *prometheus.CounterVec
	faults     *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	owned      prometheus.Gauge
	registered prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grants_total",
			Help:      "Number of gpu_granted notifications sent.",
		}, []string{"resource"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stops_total",
			Help:      "Number of gpu_stop notifications sent.",
		}, []string{"resource"}),
		losts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "losts_total",
			Help:      "Number of forced revocations.",
		}, []string{"resource"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_events_total",
			Help:      "Events from a VM whose ownership had already moved on.",
		}, []string{"event"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_violations_total",
			Help:      "Events discarded because they did not match the VM state.",
		}, []string{"event"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "faults_total",
			Help:      "Backend and callback faults surfaced by the arbiter.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "VMs waiting for a resource.",
		}, []string{"resource"}),
		owned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "owned_resources",
			Help:      "Resources currently owned by a VM.",
		}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registered_vms",
			Help:      "VMs currently registered.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.grants, m.stops, m.losts, m.stale, m.violations, m.faults,
		m.queueDepth, m.owned, m.registered,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}
