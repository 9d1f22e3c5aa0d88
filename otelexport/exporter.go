// Package otelexport bridges the engine's in-process metrics registry to
// an OpenTelemetry meter via observable instruments.
package otelexport

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/helioslabs/authgate"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is the engine-shaped metrics provider; *authgate.Engine satisfies it.
type Source interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

type counterDef struct {
	id   authgate.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{authgate.MetricLoginSuccess, "authgate_login_success_total", "Fully authenticated logins."},
	{authgate.MetricLoginFailure, "authgate_login_failure_total", "Rejected credential presentations."},
	{authgate.MetricAccountLocked, "authgate_account_locked_total", "Logins rejected by an active lockout."},
	{authgate.MetricTenantRejected, "authgate_tenant_rejected_total", "Logins against missing or inactive tenants."},
	{authgate.MetricMFARequired, "authgate_mfa_required_total", "Logins that produced an MFA session."},
	{authgate.MetricMFASuccess, "authgate_mfa_success_total", "Verified MFA confirmations."},
	{authgate.MetricMFAFailure, "authgate_mfa_failure_total", "Failed MFA confirmations."},
	{authgate.MetricMFAReplayBlocked, "authgate_mfa_replay_blocked_total", "Confirmations lost to the single-use guard."},
	{authgate.MetricRecoveryCodeUsed, "authgate_recovery_code_used_total", "Successful recovery code logins."},
	{authgate.MetricRecoveryCodeFailed, "authgate_recovery_code_failed_total", "Rejected recovery codes."},
	{authgate.MetricRecoveryCodesGenerated, "authgate_recovery_codes_generated_total", "Recovery code batch generations."},
	{authgate.MetricTokenIssued, "authgate_token_issued_total", "Issued token pairs."},
	{authgate.MetricRefreshSuccess, "authgate_refresh_success_total", "Successful refresh rotations."},
	{authgate.MetricRefreshFailure, "authgate_refresh_failure_total", "Rejected refresh attempts."},
	{authgate.MetricRefreshReuseDetected, "authgate_refresh_reuse_detected_total", "Presentations of revoked refresh tokens."},
	{authgate.MetricTokenRevoked, "authgate_token_revoked_total", "Access token revocations."},
	{authgate.MetricValidateSuccess, "authgate_validate_success_total", "Accepted access tokens."},
	{authgate.MetricValidateRevoked, "authgate_validate_revoked_total", "Access tokens rejected as revoked."},
	{authgate.MetricRevocationUnavailable, "authgate_revocation_unavailable_total", "Fail-closed revocation lookups."},
	{authgate.MetricLogout, "authgate_logout_total", "Explicit logouts."},
	{authgate.MetricMFASetupStarted, "authgate_mfa_setup_started_total", "Opened MFA setup challenges."},
	{authgate.MetricMFAEnabled, "authgate_mfa_enabled_total", "Confirmed MFA enrollments."},
	{authgate.MetricMFADisabled, "authgate_mfa_disabled_total", "Verified MFA disables."},
	{authgate.MetricPasswordChangeSuccess, "authgate_password_change_success_total", "Completed password changes."},
	{authgate.MetricPasswordChangeFailure, "authgate_password_change_failure_total", "Rejected password changes."},
	{authgate.MetricPasswordReuseRejected, "authgate_password_reuse_rejected_total", "Reuse-policy rejections."},
	{authgate.MetricPasswordResetRequest, "authgate_password_reset_request_total", "Issued reset tokens."},
	{authgate.MetricPasswordResetConfirm, "authgate_password_reset_confirm_total", "Completed password resets."},
}

type observedCounter struct {
	id         authgate.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter registers an observable callback that publishes the engine's
// counter snapshot on every collection.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []observedCounter
	auditDropped metric.Int64ObservableCounter
}

// New registers all instruments on meter and starts observing source.
func New(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+1)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authgate_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the observation callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
