// Package fsm описывает допустимые переходы статусов сущностей саг.
//
// Machine строится один раз при инициализации пакета и после этого только читается,
// поэтому не требует синхронизации.
package fsm

import (
	"fmt"
	"sort"

	"github.com/akriventsev/fincore/framework/core"
)

// Machine таблица переходов: из состояния S по событию E в состояние S
type Machine[S ~string, E ~string] struct {
	name        string
	transitions map[S]map[E]S
}

// New создает пустую таблицу переходов
func New[S ~string, E ~string](name string) *Machine[S, E] {
	return &Machine[S, E]{
		name:        name,
		transitions: make(map[S]map[E]S),
	}
}

// Name возвращает имя автомата
func (m *Machine[S, E]) Name() string {
	return m.name
}

// Allow регистрирует переход. Повторная регистрация с другим целевым состоянием
// является ошибкой программиста и приводит к панике.
func (m *Machine[S, E]) Allow(from S, event E, to S) *Machine[S, E] {
	byEvent, ok := m.transitions[from]
	if !ok {
		byEvent = make(map[E]S)
		m.transitions[from] = byEvent
	}
	if existing, ok := byEvent[event]; ok && existing != to {
		panic(fmt.Sprintf("fsm %s: transition %s --%s--> already targets %s", m.name, from, event, existing))
	}
	byEvent[event] = to
	return m
}

// Next возвращает состояние после события или VALIDATION_ERROR, если переход недопустим
func (m *Machine[S, E]) Next(from S, event E) (S, error) {
	if to, ok := m.transitions[from][event]; ok {
		return to, nil
	}
	return from, core.NewError(core.ErrValidation,
		fmt.Sprintf("%s: transition from %q on %q is not allowed", m.name, from, event)).
		WithDetail("from", string(from)).
		WithDetail("event", string(event))
}

// Can сообщает, допустимо ли событие в состоянии
func (m *Machine[S, E]) Can(from S, event E) bool {
	_, ok := m.transitions[from][event]
	return ok
}

// Events возвращает допустимые в состоянии события в лексикографическом порядке
func (m *Machine[S, E]) Events(from S) []E {
	events := make([]E, 0, len(m.transitions[from]))
	for event := range m.transitions[from] {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Terminal сообщает, что из состояния нет переходов
func (m *Machine[S, E]) Terminal(s S) bool {
	return len(m.transitions[s]) == 0
}
