// Package metrics holds the Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	SiloBuilds        *prometheus.CounterVec
	SiloBuildDuration *prometheus.HistogramVec
	ChangeStamp       *prometheus.GaugeVec
	Busy              *prometheus.GaugeVec
	Transactions      *prometheus.CounterVec
	LaneDepth         *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SiloBuilds: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcenter_silo_builds_total",
				Help: "Metadata index builds by result",
			},
			[]string{"installation", "result"},
		),
		SiloBuildDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appcenter_silo_build_duration_seconds",
				Help:    "Metadata index build duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"installation"},
		),
		ChangeStamp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appcenter_change_stamp",
				Help: "Current change stamp of each installation",
			},
			[]string{"installation"},
		),
		Busy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appcenter_busy_operations",
				Help: "Operations in flight per installation",
			},
			[]string{"installation"},
		),
		Transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appcenter_transactions_total",
				Help: "Store transactions by action and result",
			},
			[]string{"action", "result"},
		),
		LaneDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appcenter_worker_lane_depth",
				Help: "Tasks queued per worker lane",
			},
			[]string{"lane"},
		),
	}
}

func (m *Metrics) SiloBuilt(installation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SiloBuilds.WithLabelValues(installation, result).Inc()
	if d > 0 {
		m.SiloBuildDuration.WithLabelValues(installation).Observe(d.Seconds())
	}
}

func (m *Metrics) SetChangeStamp(installation string, stamp uint64) {
	if m == nil {
		return
	}
	m.ChangeStamp.WithLabelValues(installation).Set(float64(stamp))
}

func (m *Metrics) SetBusy(installation string, n int64) {
	if m == nil {
		return
	}
	m.Busy.WithLabelValues(installation).Set(float64(n))
}

func (m *Metrics) Transaction(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Transactions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetLaneDepth(lane string, n int) {
	if m == nil {
		return
	}
	m.LaneDepth.WithLabelValues(lane).Set(float64(n))
}
