package logic

import "github.com/prometheus/client_golang/prometheus"

const namespace = "fileswarm"

type metrics struct {
	SessionsOpened   prometheus.Counter
	SessionsDropped  prometheus.Counter
	SessionsRejected prometheus.Counter
	LinksVerified    prometheus.Counter
	LinksFailed      prometheus.Counter
	Replicating      prometheus.Gauge
	BlocksDownloaded prometheus.Counter
	BlocksRecovered  prometheus.Counter
	RecoveryFailures prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "session"

	return metrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "opened",
			Help:      "Connections handed to a session.",
		}),
		SessionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_duplicates",
			Help:      "Connections closed as duplicates of an active session.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected",
			Help:      "Connections closed because of a malformed or incomplete hello.",
		}),
		LinksVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "links_verified",
			Help:      "Integrity links that verified.",
		}),
		LinksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "links_failed",
			Help:      "Integrity links that failed to verify.",
		}),
		Replicating: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replicating",
			Help:      "Sessions currently replicating.",
		}),
		BlocksDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "blocks",
			Help:      "Blocks stored after being received from a peer.",
		}),
		BlocksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "blocks_recovered",
			Help:      "Blocks fetched individually after a bulk pass.",
		}),
		RecoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "recovery_failures",
			Help:      "Individual block fetches that failed.",
		}),
	}
}

func (m metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsOpened,
		m.SessionsDropped,
		m.SessionsRejected,
		m.LinksVerified,
		m.LinksFailed,
		m.Replicating,
		m.BlocksDownloaded,
		m.BlocksRecovered,
		m.RecoveryFailures,
	}
}
