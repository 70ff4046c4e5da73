// Package notify доставляет уведомления пользователям организаций.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/events"
)

// Уровни важности уведомления
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// События, связанные с уведомлениями
const (
	EventAnomalyDetected     = "insight.anomaly_detected"
	EventNotificationCreated = "notification.created"
	sourceService            = "fincore-notify"
)

// Notification уведомление
type Notification struct {
	OrganizationID string
	UserID         string
	Severity       string
	Title          string
	Body           string
	Metadata       map[string]interface{}
}

// Notifier доставляет уведомления
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier пишет уведомления в лог
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создает LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Notify реализует Notifier
func (n *LogNotifier) Notify(ctx context.Context, notification Notification) error {
	level := slog.LevelInfo
	switch notification.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, notification.Title,
		"organization_id", notification.OrganizationID,
		"user_id", notification.UserID,
		"severity", notification.Severity,
		"body", notification.Body)
	return nil
}

// EventNotifier публикует уведомления событием notification.created для сервиса доставки
type EventNotifier struct {
	publisher events.EventPublisher
}

// NewEventNotifier создает EventNotifier
func NewEventNotifier(publisher events.EventPublisher) *EventNotifier {
	return &EventNotifier{publisher: publisher}
}

// Notify реализует Notifier
func (n *EventNotifier) Notify(ctx context.Context, notification Notification) error {
	payload := map[string]interface{}{
		"severity": notification.Severity,
		"title":    notification.Title,
		"body":     notification.Body,
	}
	for k, v := range notification.Metadata {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	event := events.NewEvent(EventNotificationCreated, sourceService, notification.OrganizationID, payload)
	if notification.UserID != "" {
		event.WithUserID(notification.UserID)
	}
	return n.publisher.Publish(ctx, event)
}

// MultiNotifier рассылает уведомление всем вложенным Notifier
type MultiNotifier []Notifier

// Notify реализует Notifier
func (m MultiNotifier) Notify(ctx context.Context, notification Notification) error {
	var failed []string
	for _, n := range m {
		if err := n.Notify(ctx, notification); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notification delivery failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

// AnomalyHandler превращает insight.anomaly_detected в уведомление
type AnomalyHandler struct {
	notifier Notifier
}

// NewAnomalyHandler создает обработчик
func NewAnomalyHandler(notifier Notifier) *AnomalyHandler {
	return &AnomalyHandler{notifier: notifier}
}

// Handle реализует events.EventHandler
func (h *AnomalyHandler) Handle(ctx context.Context, event *events.BaseEvent) error {
	if event.EventType != EventAnomalyDetected {
		return nil
	}
	kind := event.PayloadString("anomaly_type")
	if kind == "" {
		kind = "unknown"
	}
	severity := normalizeSeverity(event.PayloadString("severity"))

	body := event.PayloadString("description")
	if body == "" {
		body = fmt.Sprintf("anomaly of type %s detected", kind)
	}
	metadata := map[string]interface{}{"anomaly_type": kind, "source_event_id": event.EventID}
	if amount, ok := event.PayloadInt64("amount_cents"); ok {
		metadata["amount_cents"] = amount
	}

	err := h.notifier.Notify(ctx, Notification{
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
		Severity:       severity,
		Title:          "Financial anomaly detected: " + kind,
		Body:           body,
		Metadata:       metadata,
	})
	if err != nil {
		return core.Wrap(err, core.ErrServiceUnavailable, "failed to deliver anomaly notification")
	}
	return nil
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(s) {
	case "critical", "high":
		return SeverityCritical
	case "warning", "medium":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
