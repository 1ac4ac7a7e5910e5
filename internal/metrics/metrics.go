package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the cherryd service.
type Metrics struct {
	// WebSocket fabric metrics
	SessionsActive    *prometheus.GaugeVec     // per scope
	MessagesSent      *prometheus.CounterVec   // per scope, message type
	MessagesDropped   *prometheus.CounterVec   // per scope, message type
	SessionsPruned    *prometheus.CounterVec   // per scope
	BroadcastDuration *prometheus.HistogramVec // per scope, kind

	// Hypervisor metrics
	HypervisorCalls    *prometheus.CounterVec
	HypervisorDuration *prometheus.HistogramVec

	// Kafka metrics
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}
