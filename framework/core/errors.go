// Package core предоставляет систему ошибок платформы.
package core

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Коды ошибок платформы
const (
	ErrNotFound           = "NOT_FOUND"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrRateLimited        = "RATE_LIMITED"
	ErrValidation         = "VALIDATION_ERROR"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrTimeout            = "TIMEOUT"
	ErrInvalidConfig      = "INVALID_CONFIG"
	ErrInternal           = "INTERNAL_ERROR"
)

// FrameworkError базовый тип ошибки платформы
type FrameworkError struct {
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	StackTrace string
}

// Error реализует интерфейс error
func (e *FrameworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *FrameworkError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *FrameworkError) Is(target error) bool {
	if t, ok := target.(*FrameworkError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail добавляет деталь к ошибке
func (e *FrameworkError) WithDetail(key string, value interface{}) *FrameworkError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus возвращает HTTP статус для кода ошибки
func (e *FrameworkError) HTTPStatus() int {
	return HTTPStatus(e.Code)
}

// NewError создает новую ошибку
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *FrameworkError {
	if err == nil {
		return nil
	}
	return &FrameworkError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// AsFrameworkError извлекает FrameworkError из цепочки ошибок
func AsFrameworkError(err error) (*FrameworkError, bool) {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf возвращает код ошибки или ErrInternal для посторонних ошибок
func CodeOf(err error) string {
	if fe, ok := AsFrameworkError(err); ok {
		return fe.Code
	}
	return ErrInternal
}

// HTTPStatus отображает код ошибки в HTTP статус
func HTTPStatus(code string) int {
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrValidation:
		return http.StatusBadRequest
	case ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// captureStackTrace захватывает stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// Убираем строки самой captureStackTrace
	lines := strings.Split(stack, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
