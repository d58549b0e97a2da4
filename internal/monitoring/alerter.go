package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/invoice-cli/internal/config"
	"github.com/sells-group/invoice-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQueueDepth   AlertType = "queue_depth"
	AlertDeadLetters  AlertType = "dead_letters"
	AlertDeadLettered AlertType = "invoice_dead_lettered"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg     config.MonitoringConfig
	webhook *Webhook
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:     cfg,
		webhook: NewWebhook(10 * time.Second),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check retry queue backlog.
	if a.cfg.QueueDepthThreshold > 0 && snap.QueueDepth > a.cfg.QueueDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Retry queue depth %d exceeds threshold %d",
				snap.QueueDepth, a.cfg.QueueDepthThreshold,
			),
			Details: map[string]any{
				"queue_depth": snap.QueueDepth,
				"threshold":   a.cfg.QueueDepthThreshold,
			},
			Timestamp: now,
		})
	}

	// Check dead letters in the window.
	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetters >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetters,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d invoice(s) dead-lettered in last %dh",
				snap.DeadLetters, snap.LookbackHours,
			),
			Details: map[string]any{
				"dead_letters": snap.DeadLetters,
				"by_stage":     snap.DeadLettersByStage,
				"threshold":    a.cfg.DeadLetterThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.webhook.Post(ctx, a.cfg.WebhookURL, alert, nil); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// DeadLettered sends an alert for a single dead-lettered invoice when
// per-invoice alerts are enabled.
func (a *Alerter) DeadLettered(ctx context.Context, dl model.DeadLetter) error {
	if !a.cfg.AlertOnDeadLetter || a.cfg.WebhookURL == "" {
		return nil
	}
	alert := Alert{
		Type:     AlertDeadLettered,
		Severity: "high",
		Message:  fmt.Sprintf("Invoice %s dead-lettered at %s (%s)", dl.InvoiceID, dl.Stage, dl.Reason),
		Details: map[string]any{
			"invoice_id": dl.InvoiceID,
			"stage":      dl.Stage,
			"reason":     dl.Reason,
			"attempts":   dl.Attempts,
			"last_error": dl.LastError,
		},
		Timestamp: dl.CreatedAt,
	}
	return a.webhook.Post(ctx, a.cfg.WebhookURL, alert, nil)
}
