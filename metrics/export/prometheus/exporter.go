// Package prometheus exposes the portalauth service counters and the audit
// pipeline's failure counters as a Prometheus collector.
package prometheus

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carewire/portalauth"
)

// MetricsSource is the read side of the service counters.
type MetricsSource interface {
	MetricsSnapshot() portalauth.MetricsSnapshot
}

// DropCounter reports fire-and-forget audit entries lost to dispatcher
// backpressure.
type DropCounter interface {
	Dropped() uint64
}

// CriticalFailureCounter reports failed durable writes of critical audit
// entries.
type CriticalFailureCounter interface {
	CriticalWriteFailures() uint64
}

type counterDef struct {
	id   portalauth.MetricID
	desc *prom.Desc
}

func counter(name, help string) *prom.Desc {
	return prom.NewDesc(name, help, nil, nil)
}

var counterDefs = []counterDef{
	{portalauth.MetricRegisterSuccess, counter("portalauth_register_success_total", "Successful registrations.")},
	{portalauth.MetricRegisterRejected, counter("portalauth_register_rejected_total", "Registrations rejected by validation or as duplicates.")},
	{portalauth.MetricLoginSuccess, counter("portalauth_login_success_total", "Successful login attempts.")},
	{portalauth.MetricLoginFailure, counter("portalauth_login_failure_total", "Failed login attempts.")},
	{portalauth.MetricLoginRateLimited, counter("portalauth_login_rate_limited_total", "Rate-limited login attempts.")},
	{portalauth.MetricAccountLocked, counter("portalauth_account_locked_total", "Accounts locked after repeated failures.")},
	{portalauth.MetricTwoFactorRequired, counter("portalauth_two_factor_required_total", "Logins requiring a second factor.")},
	{portalauth.MetricTwoFactorSuccess, counter("portalauth_two_factor_success_total", "Successful second-factor verifications.")},
	{portalauth.MetricTwoFactorFailure, counter("portalauth_two_factor_failure_total", "Failed second-factor verifications.")},
	{portalauth.MetricBackupCodeUsed, counter("portalauth_backup_code_used_total", "Backup-code authentications.")},
	{portalauth.MetricSessionCreated, counter("portalauth_session_created_total", "Created sessions.")},
	{portalauth.MetricSessionRevoked, counter("portalauth_session_revoked_total", "Revoked sessions.")},
	{portalauth.MetricRefreshSuccess, counter("portalauth_refresh_success_total", "Successful refresh rotations.")},
	{portalauth.MetricRefreshFailure, counter("portalauth_refresh_failure_total", "Failed refresh attempts.")},
	{portalauth.MetricPasswordResetRequested, counter("portalauth_password_reset_requested_total", "Password reset requests.")},
	{portalauth.MetricPasswordResetCompleted, counter("portalauth_password_reset_completed_total", "Completed password resets.")},
	{portalauth.MetricPasswordChanged, counter("portalauth_password_changed_total", "In-session password changes.")},
	{portalauth.MetricEmailSendFailure, counter("portalauth_email_send_failure_total", "Failed email deliveries.")},
}

var (
	auditDroppedDesc  = counter("portalauth_audit_dropped_total", "Audit entries dropped by the dispatcher under backpressure.")
	auditCriticalDesc = counter("portalauth_audit_critical_write_failures_total", "Failed durable writes of critical audit entries.")
)

// Exporter is a prometheus Collector over the service's counter snapshot.
// The audit counters are optional; wire them with WithDispatcher and
// WithAuditService.
type Exporter struct {
	source   MetricsSource
	dropped  DropCounter
	critical CriticalFailureCounter
}

var (
	_ prom.Collector = (*Exporter)(nil)
	_ MetricsSource  = (*portalauth.Service)(nil)
)

// NewExporter creates an Exporter reading from the given source, typically
// a [portalauth.Service].
func NewExporter(source MetricsSource) *Exporter {
	return &Exporter{source: source}
}

// WithDispatcher adds the audit dispatcher's drop counter to the export set.
func (e *Exporter) WithDispatcher(d DropCounter) *Exporter {
	e.dropped = d
	return e
}

// WithAuditService adds the audit service's critical-write-failure counter
// to the export set.
func (e *Exporter) WithAuditService(s CriticalFailureCounter) *Exporter {
	e.critical = s
	return e
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prom.Desc) {
	for _, def := range counterDefs {
		ch <- def.desc
	}
	ch <- auditDroppedDesc
	ch <- auditCriticalDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prom.Metric) {
	if e == nil || e.source == nil {
		return
	}
	snap := e.source.MetricsSnapshot()
	for _, def := range counterDefs {
		ch <- prom.MustNewConstMetric(def.desc, prom.CounterValue, float64(snap.Counters[def.id]))
	}
	if e.dropped != nil {
		ch <- prom.MustNewConstMetric(auditDroppedDesc, prom.CounterValue, float64(e.dropped.Dropped()))
	}
	if e.critical != nil {
		ch <- prom.MustNewConstMetric(auditCriticalDesc, prom.CounterValue, float64(e.critical.CriticalWriteFailures()))
	}
}

// Handler serves the collector on a private registry in the standard text
// exposition format.
func (e *Exporter) Handler() http.Handler {
	reg := prom.NewRegistry()
	reg.MustRegister(e)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
