package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// AcquireRetryCounter tracks contended acquire attempts that had to retry.
	AcquireRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_acquire_retry_total",
		Help: "Total number of acquire attempts retried due to contention or store errors",
	})
	// ReleaseCounter tracks confirmed releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of confirmed lock releases",
	})
	// RenewCounter tracks successful lease renewals.
	RenewCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_renew_total",
		Help: "Total number of successful lease renewals",
	})
	// LostCounter tracks handles that transitioned to the lost state.
	LostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_lost_total",
		Help: "Total number of leases lost before release",
	})
	// HeldGauge reports the number of currently held handles in this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlock_held",
		Help: "Current number of held lock handles",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers dlock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, AcquireRetryCounter, ReleaseCounter, RenewCounter, LostCounter, HeldGauge)
}
