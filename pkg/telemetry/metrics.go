// Package telemetry exposes prometheus collectors for the identity core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crest_login_attempts_total",
		Help: "Authentication attempts by outcome.",
	}, []string{"outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crest_sessions_active",
		Help: "Sessions currently resolvable by token.",
	})

	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crest_sessions_issued_total",
		Help: "Sessions created since process start.",
	})

	AuditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crest_audit_entries_total",
		Help: "Audit entries recorded, by owning component.",
	}, []string{"component"})

	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crest_quota_rejections_total",
		Help: "Operations rejected because a tenant limit was reached.",
	})
)
