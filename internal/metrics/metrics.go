package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTP метрики
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// Session metrics
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "v2ray_session_state",
			Help: "1 for the current session state, 0 otherwise",
		},
		[]string{"state"},
	)
	SessionUploadSpeed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "v2ray_session_upload_bytes_per_second",
			Help: "Last reported upload speed of the active session",
		},
	)
	SessionDownloadSpeed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "v2ray_session_download_bytes_per_second",
			Help: "Last reported download speed of the active session",
		},
	)
	SessionCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "v2ray_session_commands_total",
			Help: "Commands handled by the gateway by method and result code",
		},
		[]string{"method", "code"},
	)
	EngineFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "v2ray_engine_faults_total",
			Help: "Unrecoverable engine faults that reset the session",
		},
	)

	// Engine container metrics
	EngineContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "v2ray_engine_containers",
			Help: "Number of running V2Ray engine containers",
		},
	)
	DockerAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "v2ray_docker_api_requests_total",
			Help: "Docker API requests issued by the engine",
		},
		[]string{"op", "status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsInFlight)

	prometheus.MustRegister(SessionState)
	prometheus.MustRegister(SessionUploadSpeed)
	prometheus.MustRegister(SessionDownloadSpeed)
	prometheus.MustRegister(SessionCommandsTotal)
	prometheus.MustRegister(EngineFaultsTotal)

	prometheus.MustRegister(EngineContainers)
	prometheus.MustRegister(DockerAPIRequestsTotal)

	// Стандартные метрики Go
	prometheus.MustRegister(prometheus.NewGoCollector())
	prometheus.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// ObserveSnapshot mirrors a published session status into the gauges.
func ObserveSnapshot(state string, states []string, upload, download int64) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
	SessionUploadSpeed.Set(float64(upload))
	SessionDownloadSpeed.Set(float64(download))
}
