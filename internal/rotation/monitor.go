// Package rotation monitors key rotation age and emits tiered
// compliance alerts. It only classifies and reports; rotating keys and
// deduplicating notifications across cycles belong to the caller.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "phivault_rotation_alerts_total",
	Help: "Rotation alerts emitted, by severity.",
}, []string{"severity"})

func init() {
	prometheus.MustRegister(alertsTotal)
}

// HistoryStore is the slice of the store the monitor needs.
type HistoryStore interface {
	LatestRotation(ctx context.Context, keyType string) (*models.RotationRecord, error)
}

// Alerter receives one alert per affected key type per check cycle.
type Alerter interface {
	Alert(ctx context.Context, alert models.RotationAlert)
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a models.RotationAlert) {
	ev := log.Warn()
	if a.Severity == "critical" {
		ev = log.Error()
	}
	ev.Str("key_type", a.Status.KeyType).
		Str("state", string(a.Status.State)).
		Int("age_days", a.Status.AgeDays).
		Int("days_until_rotation", a.Status.DaysUntilRotation).
		Msg(a.Message)
}

// Monitor classifies key ages against per-key-type policies.
type Monitor struct {
	store    HistoryStore
	policies []models.KeyRotationPolicy
	alerter  Alerter
	now      func() time.Time
}

// NewMonitor creates a Monitor over the given rotation history.
func NewMonitor(store HistoryStore, policies []models.KeyRotationPolicy, alerter Alerter) *Monitor {
	return &Monitor{
		store:    store,
		policies: policies,
		alerter:  alerter,
		now:      time.Now,
	}
}

// Status returns the classification for every configured key type.
// Pure read path, no side effects; a store failure for one key type
// classifies it Unknown and the rest are still reported.
func (m *Monitor) Status(ctx context.Context) []models.KeyStatus {
	now := m.now().UTC()
	statuses := make([]models.KeyStatus, 0, len(m.policies))
	for _, policy := range m.policies {
		statuses = append(statuses, m.classifyKey(ctx, policy, now))
	}
	return statuses
}

// CheckAll classifies every key type and emits one alert per key type
// in Warning, Critical or Overdue state. Returns the statuses and the
// alerts emitted this cycle.
func (m *Monitor) CheckAll(ctx context.Context) ([]models.KeyStatus, []models.RotationAlert) {
	statuses := m.Status(ctx)
	var alerts []models.RotationAlert
	for _, status := range statuses {
		alert, ok := alertFor(status)
		if !ok {
			continue
		}
		alerts = append(alerts, alert)
		alertsTotal.WithLabelValues(alert.Severity).Inc()
		if m.alerter != nil {
			m.alerter.Alert(ctx, alert)
		}
	}
	return statuses, alerts
}

func (m *Monitor) classifyKey(ctx context.Context, policy models.KeyRotationPolicy, now time.Time) models.KeyStatus {
	status := models.KeyStatus{
		KeyType:   policy.KeyType,
		CheckedAt: now,
	}

	record, err := m.store.LatestRotation(ctx, policy.KeyType)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Absence of evidence of rotation is never "recently rotated":
		// force immediate Overdue classification.
		status.AgeDays = policy.MaxAgeDays + 1
	case err != nil:
		log.Error().Err(err).Str("key_type", policy.KeyType).Msg("rotation history lookup failed")
		status.State = models.KeyStateUnknown
		return status
	default:
		rotatedAt := record.RotatedAt
		status.LastRotatedAt = &rotatedAt
		status.AgeDays = int(now.Sub(rotatedAt).Hours() / 24)
	}

	status.DaysUntilRotation = policy.MaxAgeDays - status.AgeDays
	status.State = classify(policy, status.AgeDays, status.DaysUntilRotation)
	return status
}

// classify implements the age state machine. Keys past their max age
// are Overdue. Inside the deadline, the zone at or below the critical
// threshold — or past the last configured warning checkpoint — is
// Critical; the configured warning days themselves classify Warning.
func classify(policy models.KeyRotationPolicy, ageDays, daysUntil int) models.KeyAgeState {
	if ageDays > policy.MaxAgeDays {
		return models.KeyStateOverdue
	}
	if daysUntil <= policy.CriticalThresholdDays {
		return models.KeyStateCritical
	}
	if min, ok := minThreshold(policy.WarningThresholdDays); ok && daysUntil < min {
		return models.KeyStateCritical
	}
	for _, w := range policy.WarningThresholdDays {
		if daysUntil == w {
			return models.KeyStateWarning
		}
	}
	return models.KeyStateOK
}

func minThreshold(days []int) (int, bool) {
	if len(days) == 0 {
		return 0, false
	}
	min := days[0]
	for _, d := range days[1:] {
		if d < min {
			min = d
		}
	}
	return min, true
}

func alertFor(status models.KeyStatus) (models.RotationAlert, bool) {
	switch status.State {
	case models.KeyStateOverdue:
		return models.RotationAlert{
			Severity: "critical",
			Status:   status,
			Message:  fmt.Sprintf("key %q is overdue for rotation (%d days old)", status.KeyType, status.AgeDays),
		}, true
	case models.KeyStateCritical:
		return models.RotationAlert{
			Severity: "critical",
			Status:   status,
			Message:  fmt.Sprintf("key %q must rotate within %d days", status.KeyType, status.DaysUntilRotation),
		}, true
	case models.KeyStateWarning:
		return models.RotationAlert{
			Severity: "warning",
			Status:   status,
			Message:  fmt.Sprintf("key %q reaches its rotation deadline in %d days", status.KeyType, status.DaysUntilRotation),
		}, true
	default:
		return models.RotationAlert{}, false
	}
}
