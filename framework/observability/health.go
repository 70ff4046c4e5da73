// Copyright 2024 Potter Framework Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck интерфейс для health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// PingCheck проверка на основе функции ping (БД, Redis, брокер)
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck создает проверку из функции
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// Name возвращает имя проверки
func (h *PingCheck) Name() string {
	return h.name
}

// Check выполняет проверку
func (h *PingCheck) Check(ctx context.Context) error {
	return h.ping(ctx)
}

// HealthCheckResult результат health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult результат отдельной проверки
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthRegistry набор health checks процесса
type HealthRegistry struct {
	checks  []HealthCheck
	details map[string]func() interface{}
	timeout time.Duration
	mu      sync.RWMutex
}

// NewHealthRegistry создает реестр проверок
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		details: make(map[string]func() interface{}),
		timeout: 5 * time.Second,
	}
}

// Register регистрирует health check
func (r *HealthRegistry) Register(check HealthCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check)
}

// RegisterDetail добавляет в ответ информационный блок, не влияющий на статус
func (r *HealthRegistry) RegisterDetail(name string, fn func() interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.details[name] = fn
}

// Run выполняет все проверки
func (r *HealthRegistry) Run(ctx context.Context) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.RLock()
	checks := append([]HealthCheck(nil), r.checks...)
	details := make(map[string]func() interface{}, len(r.details))
	for k, v := range r.details {
		details[k] = v
	}
	r.mu.RUnlock()

	result := HealthCheckResult{
		Status:    "healthy",
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now().UTC(),
	}

	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		cr := CheckResult{Status: "healthy", Duration: time.Since(start)}
		if err != nil {
			cr.Status = "unhealthy"
			cr.Message = err.Error()
			result.Status = "unhealthy"
		}
		result.Checks[check.Name()] = cr
	}

	if len(details) > 0 {
		result.Details = make(map[string]interface{}, len(details))
		for name, fn := range details {
			result.Details[name] = fn()
		}
	}
	return result
}

// HealthCheckHandler возвращает Gin handler для health check
func (r *HealthRegistry) HealthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := r.Run(c.Request.Context())
		if result.Status != "healthy" {
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
