// Package testing предоставляет тестовые двойники для компонентов fincore:
// управляемые часы и публикатор, записывающий события.
package testing

import (
	"context"
	"sync"
	"time"

	"github.com/akriventsev/fincore/framework/events"
)

// Clock часы, которыми управляет тест.
// Метод Now подходит как core.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock создает часы, остановленные на now
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now возвращает текущее время часов
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set переставляет часы
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance сдвигает часы вперед
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordingPublisher events.EventPublisher, сохраняющий опубликованные события.
// Если задан Err, Publish возвращает его и ничего не сохраняет.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []*events.BaseEvent
	Err    error
}

// Publish реализует events.EventPublisher
func (p *RecordingPublisher) Publish(ctx context.Context, event *events.BaseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

// Events возвращает копию опубликованных событий в порядке публикации
func (p *RecordingPublisher) Events() []*events.BaseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*events.BaseEvent(nil), p.events...)
}

// OfType возвращает события указанного типа
func (p *RecordingPublisher) OfType(eventType string) []*events.BaseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.BaseEvent
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Count возвращает число событий указанного типа
func (p *RecordingPublisher) Count(eventType string) int {
	return len(p.OfType(eventType))
}
