// Package core предоставляет базовые интерфейсы и типы для всех компонентов платформы.
package core

import (
	"context"
	"time"
)

// Component базовый интерфейс для всех компонентов
type Component interface {
	// Name возвращает имя компонента
	Name() string
	// Type возвращает тип компонента
	Type() ComponentType
}

// Lifecycle интерфейс для управления жизненным циклом компонентов
type Lifecycle interface {
	// Start запускает компонент
	Start(ctx context.Context) error
	// Stop останавливает компонент
	Stop(ctx context.Context) error
	// IsRunning проверяет, запущен ли компонент
	IsRunning() bool
}

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeAdapter   ComponentType = "adapter"
	ComponentTypeTransport ComponentType = "transport"
	ComponentTypeWorker    ComponentType = "worker"
)

// Clock источник текущего времени
type Clock func() time.Time

// SystemClock возвращает текущее время в UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// OrDefault возвращает SystemClock, если часы не заданы
func (c Clock) OrDefault() Clock {
	if c == nil {
		return SystemClock
	}
	return c
}
