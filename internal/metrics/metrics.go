// Package metrics declares the Prometheus collectors emitted by the gateway.
// Counters are labeled by status and owning tenant; multi-instance
// aggregation is left to the scraper.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "blobd"

// Label values for the status dimension.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics bundles every collector the gateway emits.
type Metrics struct {
	UploadRequests   *prometheus.CounterVec
	UploadBytes      *prometheus.CounterVec
	DownloadRequests *prometheus.CounterVec
	DownloadBytes    *prometheus.CounterVec
	ActiveUploads    prometheus.Gauge
	ActiveDownloads  prometheus.Gauge
	QueueMessages    *prometheus.GaugeVec
	RejectedMessages *prometheus.CounterVec
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_requests_total",
			Help:      "Total number of upload requests processed.",
		}, []string{"status", "owner"}),
		UploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total number of bytes uploaded.",
		}, []string{"status", "owner"}),
		DownloadRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_requests_total",
			Help:      "Total number of download requests processed.",
		}, []string{"status", "owner"}),
		DownloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Total number of bytes downloaded.",
		}, []string{"status", "owner"}),
		ActiveUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_uploads",
			Help:      "Number of uploads currently being processed.",
		}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_downloads",
			Help:      "Number of downloads currently being processed.",
		}),
		QueueMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Number of ready messages in each broker queue.",
		}, []string{"queue"}),
		RejectedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_messages_total",
			Help:      "Total number of deliveries rejected without requeue. No dead-letter queue exists, so each is a dropped message.",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.UploadRequests,
			m.UploadBytes,
			m.DownloadRequests,
			m.DownloadBytes,
			m.ActiveUploads,
			m.ActiveDownloads,
			m.QueueMessages,
			m.RejectedMessages,
		)
	}
	return m
}
