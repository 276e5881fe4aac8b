package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livelookNamespace string = "livelook"

var (
	promConnectionsTotal    prometheus.Gauge
	DevicesRunning          *prometheus.GaugeVec
	DeviceConsumers         *prometheus.GaugeVec
	PipeSubscriptions       prometheus.Gauge
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "peer_connection",
		Name:      "total",
	})

	DevicesRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "device",
		Name:      "running",
	}, []string{"kind"})

	DeviceConsumers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "device",
		Name:      "consumers",
	}, []string{"kind"})

	PipeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "pipe",
		Name:      "subscriptions",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livelookNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promConnectionsTotal)
	prometheus.MustRegister(DevicesRunning)
	prometheus.MustRegister(DeviceConsumers)
	prometheus.MustRegister(PipeSubscriptions)
	prometheus.MustRegister(ServiceOperationCounter)
}

func ConnectionOpened() {
	promConnectionsTotal.Inc()
}

func ConnectionClosed() {
	promConnectionsTotal.Dec()
}

// Operation counts a negotiation or device operation outcome
func Operation(op string, err error, errorType string) {
	if err != nil {
		ServiceOperationCounter.WithLabelValues(op, "error", errorType).Add(1)
		return
	}
	ServiceOperationCounter.WithLabelValues(op, "success", "").Add(1)
}
