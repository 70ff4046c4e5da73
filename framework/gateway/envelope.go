package gateway

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akriventsev/fincore/framework/core"
)

// ErrorBody тело ошибки в конверте ответа
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Meta метаданные ответа
type Meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope стабильный JSON конверт ошибок gateway
type Envelope struct {
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// NewErrorEnvelope строит конверт из ошибки
func NewErrorEnvelope(err error, requestID string, now time.Time) (int, Envelope) {
	fe, ok := core.AsFrameworkError(err)
	if !ok {
		fe = core.Wrap(err, core.ErrInternal, "internal error")
	}
	return fe.HTTPStatus(), Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    fe.Code,
			Message: fe.Message,
			Details: fe.Details,
		},
		Meta: Meta{RequestID: requestID, Timestamp: now.UTC()},
	}
}

// abortWithError прерывает обработку запроса конвертом ошибки
func abortWithError(c *gin.Context, err error, now time.Time) {
	status, env := NewErrorEnvelope(err, requestIDFrom(c), now)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, env)
}
