// Package events предоставляет доменные события и шину для их доставки.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion версия схемы событий по умолчанию
const SchemaVersion = "1.0"

// BaseEvent доменное событие в формате, совместимом с внешним брокером.
// После публикации событие не изменяется: обработчики получают его только для чтения.
type BaseEvent struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	SourceService  string                 `json:"source_service"`
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Version        string                 `json:"version"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	Payload        map[string]interface{} `json:"payload"`
}

// NewEvent создает новое событие
func NewEvent(eventType, sourceService, organizationID string, payload map[string]interface{}) *BaseEvent {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &BaseEvent{
		EventID:        uuid.New().String(),
		EventType:      eventType,
		SourceService:  sourceService,
		OrganizationID: organizationID,
		Timestamp:      time.Now().UTC(),
		Version:        SchemaVersion,
		Payload:        payload,
	}
}

// WithUserID устанавливает user ID
func (e *BaseEvent) WithUserID(id string) *BaseEvent {
	e.UserID = id
	return e
}

// WithCorrelationID устанавливает correlation ID
func (e *BaseEvent) WithCorrelationID(id string) *BaseEvent {
	e.CorrelationID = id
	return e
}

// WithTimestamp устанавливает время события
func (e *BaseEvent) WithTimestamp(ts time.Time) *BaseEvent {
	e.Timestamp = ts.UTC()
	return e
}

// Validate проверяет обязательные поля события
func (e *BaseEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("event is nil")
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.SourceService == "":
		return fmt.Errorf("source_service is required")
	case e.OrganizationID == "":
		return fmt.Errorf("organization_id is required")
	}
	return nil
}

// Namespace возвращает префикс типа события (escrow.released -> escrow)
func (e *BaseEvent) Namespace() string {
	return Namespace(e.EventType)
}

// Namespace возвращает префикс типа события до первой точки
func Namespace(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// PayloadString возвращает строковое поле payload
func (e *BaseEvent) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// PayloadInt64 возвращает целочисленное поле payload.
// Поддерживаются значения, пришедшие как из локальной шины, так и из JSON брокера.
func (e *BaseEvent) PayloadInt64(key string) (int64, bool) {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Clone возвращает копию события с поверхностной копией payload
func (e *BaseEvent) Clone() *BaseEvent {
	clone := *e
	clone.Payload = make(map[string]interface{}, len(e.Payload))
	for k, v := range e.Payload {
		clone.Payload[k] = v
	}
	return &clone
}

// EventHandler обработчик доменных событий.
// Доставка at-least-once: обработчик должен быть идемпотентным.
type EventHandler interface {
	Handle(ctx context.Context, event *BaseEvent) error
}

// HandlerFunc адаптер функции к EventHandler
type HandlerFunc func(ctx context.Context, event *BaseEvent) error

// Handle вызывает функцию
func (f HandlerFunc) Handle(ctx context.Context, event *BaseEvent) error {
	return f(ctx, event)
}

// EventPublisher публикатор событий
type EventPublisher interface {
	// Publish публикует событие
	Publish(ctx context.Context, event *BaseEvent) error
}

// EventSubscriber подписчик на события
type EventSubscriber interface {
	// Subscribe подписывает handler на один или несколько типов событий
	Subscribe(handler EventHandler, eventTypes ...string) error
}

// EventBus объединяет Publisher и Subscriber
type EventBus interface {
	EventPublisher
	EventSubscriber
}
