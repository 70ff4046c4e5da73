// Package transport предоставляет абстракции для работы с внешним брокером сообщений.
package transport

import (
	"context"
)

// Message представляет сообщение, полученное из брокера
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// MessageHandler обработчик сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscriber подписчик на сообщения
type Subscriber interface {
	// Subscribe подписывается на subject и вызывает handler при получении сообщения
	Subscribe(ctx context.Context, subject string, handler MessageHandler) error
	// Unsubscribe отписывается от subject
	Unsubscribe(subject string) error
}

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует сообщение в subject
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// MessageBus объединяет возможности публикации и подписки
type MessageBus interface {
	Publisher
	Subscriber
}

// Заголовки, которые ретранслятор событий проставляет в сообщения брокера
const (
	HeaderEventType  = "event_type"
	HeaderEventID    = "event_id"
	HeaderInstanceID = "instance_id"
)
