package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Локальный реестр, чтобы не зависеть от глобального prometheus.DefaultRegistry
	registry = prometheus.NewRegistry()

	eventsAppended = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "zhengxin_stream_events_appended_total",
			Help: "Total number of workflow events appended to the streaming store.",
		},
	)
	fragmentsAppended = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "zhengxin_stream_fragments_appended_total",
			Help: "Total number of report content fragments appended.",
		},
	)
	fragmentBytes = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "zhengxin_stream_fragment_bytes_total",
			Help: "Total bytes of streamed report content appended.",
		},
	)
	notificationsSent = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "zhengxin_stream_listener_notifications_total",
			Help: "Total number of listener callbacks invoked.",
		},
	)
	listenerPanics = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "zhengxin_stream_listener_panics_total",
			Help: "Total number of recovered listener panics.",
		},
	)
	entriesEvicted = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "zhengxin_stream_entries_evicted_total",
			Help: "Total number of stale project entries evicted by the sweep.",
		},
	)
	generatingProjects = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "zhengxin_stream_generating_projects",
			Help: "Number of projects currently believed to be generating.",
		},
	)
)

// MetricsRegistry возвращает реестр метрик хранилища для promhttp.
func MetricsRegistry() *prometheus.Registry {
	return registry
}
