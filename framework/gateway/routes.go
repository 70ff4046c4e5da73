// Package gateway предоставляет проксирующий gateway: маршрутизацию по префиксу,
// retry с backoff, circuit breaker, лимиты запросов и проброс identity заголовков.
package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/akriventsev/fincore/framework/core"
)

// Route статическое соответствие префикса пути upstream сервису
type Route struct {
	PathPrefix string        `mapstructure:"path_prefix" yaml:"path_prefix"`
	Service    string        `mapstructure:"service" yaml:"service"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// Validate проверяет маршрут
func (r Route) Validate() error {
	switch {
	case r.PathPrefix == "" || !strings.HasPrefix(r.PathPrefix, "/"):
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("route prefix %q must start with /", r.PathPrefix))
	case r.Service == "":
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("route %s: service is required", r.PathPrefix))
	case r.Timeout <= 0:
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("route %s: timeout must be positive", r.PathPrefix))
	case r.MaxRetries < 0:
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("route %s: max_retries cannot be negative", r.PathPrefix))
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("route %s: invalid base_url %q", r.PathPrefix, r.BaseURL))
	}
	return nil
}

// RouteTable неизменяемая таблица маршрутов; побеждает самый длинный префикс
type RouteTable struct {
	routes []Route
}

// NewRouteTable создает таблицу маршрутов
func NewRouteTable(routes []Route) (*RouteTable, error) {
	seen := make(map[string]struct{}, len(routes))
	sorted := make([]Route, 0, len(routes))
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.PathPrefix]; dup {
			return nil, core.NewError(core.ErrInvalidConfig, fmt.Sprintf("duplicate route prefix %q", r.PathPrefix))
		}
		seen[r.PathPrefix] = struct{}{}
		r.BaseURL = strings.TrimRight(r.BaseURL, "/")
		sorted = append(sorted, r)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &RouteTable{routes: sorted}, nil
}

// Resolve находит маршрут по самому длинному совпадающему префиксу
func (t *RouteTable) Resolve(path string) (Route, bool) {
	for _, r := range t.routes {
		if strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes возвращает копию маршрутов
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}
