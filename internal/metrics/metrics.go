package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "wa_supervisor"

var (
	once     sync.Once
	registry *prometheus.Registry

	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Relay connection state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ConnectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total number of relay connection attempts by result",
		},
		[]string{"result"},
	)

	ReconnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Total number of successful reconnections after a drop",
		},
	)

	CircuitOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_total",
			Help:      "Total number of times an attempt was deferred by the open circuit",
		},
	)

	BackoffDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Delay scheduled before the next connection attempt",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live device sessions",
		},
	)

	SessionOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Total number of session store operations",
		},
		[]string{"operation", "status"},
	)

	SessionsDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of destroyed sessions by reason",
		},
		[]string{"reason"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Total number of full backups by status",
		},
		[]string{"status"},
	)

	BackupSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_size_bytes",
			Help:      "Size of the most recent backup blob",
		},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Total number of restore attempts by status",
		},
		[]string{"status"},
	)
)

var connectionStates = []string{"disconnected", "connecting", "open", "closing"}

// Init registers every collector once and returns the registry.
func Init() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			ConnectionState,
			ConnectionAttemptsTotal,
			ReconnectionsTotal,
			CircuitOpenTotal,
			BackoffDelaySeconds,
			SessionsActive,
			SessionOperationsTotal,
			SessionsDestroyedTotal,
			BackupsTotal,
			BackupSizeBytes,
			RestoresTotal,
		)
		SetConnectionState("disconnected")
	})
	return registry
}

func GetRegistry() *prometheus.Registry {
	return Init()
}

// SetConnectionState flips the state gauge so exactly one label reads 1.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		ConnectionState.WithLabelValues(s).Set(value)
	}
}

func ObserveSessionOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SessionOperationsTotal.WithLabelValues(operation, status).Inc()
}
