package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/akriventsev/fincore/framework/breaker"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/observability"
)

// Исходы попытки вызова upstream
const (
	OutcomeSuccess     = "success"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
	OutcomeNetwork     = "network_error"
	OutcomeTimeout     = "timeout"
)

// maxUpstreamBody ограничение размера ответа upstream
const maxUpstreamBody = 32 << 20

// Doer выполняет HTTP запрос (*http.Client)
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request входящий запрос, подлежащий проксированию
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response ответ upstream, возвращаемый клиенту без изменений
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Service    string
	Attempts   int
}

// ProxyConfig конфигурация прокси
type ProxyConfig struct {
	RetryBaseDelay time.Duration
}

// DefaultProxyConfig возвращает конфигурацию по умолчанию
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{RetryBaseDelay: 100 * time.Millisecond}
}

// Validate проверяет конфигурацию
func (c ProxyConfig) Validate() error {
	if c.RetryBaseDelay < 0 {
		return core.NewError(core.ErrInvalidConfig, "retry base delay cannot be negative")
	}
	return nil
}

// Proxy маршрутизирует запрос в upstream с retry и circuit breaker
type Proxy struct {
	config  ProxyConfig
	routes  *RouteTable
	breaker *breaker.CircuitBreaker
	client  Doer
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewProxy создает прокси
func NewProxy(config ProxyConfig, routes *RouteTable, cb *breaker.CircuitBreaker, client Doer, logger *slog.Logger) (*Proxy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if routes == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "route table is required")
	}
	if cb == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "circuit breaker is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		config:  config,
		routes:  routes,
		breaker: cb,
		client:  client,
		tracer:  otel.Tracer(observability.TracerName),
		logger:  logger.With("component", "gateway-proxy"),
		sleep:   sleepContext,
	}, nil
}

// WithMetrics подключает метрики
func (p *Proxy) WithMetrics(m *metrics.Metrics) *Proxy {
	p.metrics = m
	return p
}

// Routes возвращает таблицу маршрутов
func (p *Proxy) Routes() *RouteTable {
	return p.routes
}

// attemptResult результат одной попытки
type attemptResult struct {
	resp    *Response
	err     error
	outcome string
}

func (a attemptResult) retryable() bool {
	return a.outcome == OutcomeServerError || a.outcome == OutcomeNetwork || a.outcome == OutcomeTimeout
}

// Forward проксирует запрос. Шаги выполняются строго по порядку:
// маршрут, проверка денежных полей, circuit breaker, попытки вызова.
func (p *Proxy) Forward(ctx context.Context, req *Request, id Identity) (*Response, error) {
	route, ok := p.routes.Resolve(req.Path)
	if !ok {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("no route for %s", req.Path)).
			WithDetail("path", req.Path)
	}

	if err := ValidateMonetaryFields(req.Body); err != nil {
		return nil, err
	}

	permit, admitted := p.breaker.Allow(route.Service)
	if !admitted {
		return nil, unavailable(route.Service, "circuit open")
	}

	ctx, span := p.tracer.Start(ctx, "gateway.proxy "+route.Service,
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.service", route.Service),
		attribute.String("gateway.route", route.PathPrefix),
		attribute.Int("gateway.max_retries", route.MaxRetries),
	)

	var last attemptResult
	for attempt := 0; attempt <= route.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt - 1)
			if err := p.sleep(ctx, delay); err != nil {
				span.RecordError(err)
				return nil, core.Wrap(err, core.ErrServiceUnavailable, "request cancelled while waiting for retry").
					WithDetail("upstream", route.Service)
			}
			if permit, admitted = p.breaker.Allow(route.Service); !admitted {
				span.SetStatus(codes.Error, "circuit open")
				return nil, unavailable(route.Service, "circuit opened during retries").
					WithDetail("attempts", attempt)
			}
		}

		last = p.attempt(ctx, route, req, id)
		switch {
		case last.outcome == OutcomeSuccess || last.outcome == OutcomeClientError:
			permit.Success()
			last.resp.Attempts = attempt + 1
			span.SetAttributes(
				attribute.Int("gateway.attempts", attempt+1),
				attribute.Int("http.status_code", last.resp.StatusCode),
			)
			return last.resp, nil
		default:
			permit.Failure()
		}

		p.logger.Warn("upstream attempt failed",
			"service", route.Service,
			"attempt", attempt+1,
			"max_attempts", route.MaxRetries+1,
			"outcome", last.outcome,
			"error", last.err,
			"request_id", id.RequestID)

		if !last.retryable() {
			break
		}
	}

	span.SetStatus(codes.Error, last.outcome)
	if last.err != nil {
		span.RecordError(last.err)
	}

	if last.outcome == OutcomeTimeout {
		return nil, core.Wrap(last.err, core.ErrTimeout,
			fmt.Sprintf("upstream %s timed out after %s", route.Service, route.Timeout)).
			WithDetail("upstream", route.Service).
			WithDetail("attempts", route.MaxRetries+1)
	}

	fe := unavailable(route.Service, "upstream unavailable after retries").
		WithDetail("attempts", route.MaxRetries+1)
	if last.resp != nil {
		fe = fe.WithDetail("upstream_status", last.resp.StatusCode)
	}
	if last.err != nil {
		fe.Cause = last.err
	}
	return nil, fe
}

// attempt выполняет один вызов upstream с таймаутом маршрута
func (p *Proxy) attempt(ctx context.Context, route Route, req *Request, id Identity) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, route.Timeout)
	defer cancel()

	start := time.Now()
	res := p.do(ctx, route, req, id)
	p.metrics.RecordUpstreamAttempt(ctx, route.Service, res.outcome, time.Since(start))
	return res
}

func (p *Proxy) do(ctx context.Context, route Route, req *Request, id Identity) attemptResult {
	target := route.BaseURL + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return attemptResult{err: err, outcome: OutcomeNetwork}
	}
	httpReq.Header = BuildUpstreamHeaders(req.Header, id)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return attemptResult{err: err, outcome: classifyError(ctx, err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxUpstreamBody))
	if err != nil {
		return attemptResult{err: err, outcome: classifyError(ctx, err)}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     make(http.Header),
		Body:       data,
		Service:    route.Service,
	}
	copyResponseHeaders(resp.Header, httpResp.Header)

	switch {
	case httpResp.StatusCode >= 500:
		return attemptResult{
			resp:    resp,
			err:     fmt.Errorf("upstream %s returned %s", route.Service, strconv.Itoa(httpResp.StatusCode)),
			outcome: OutcomeServerError,
		}
	case httpResp.StatusCode >= 400:
		return attemptResult{resp: resp, outcome: OutcomeClientError}
	default:
		return attemptResult{resp: resp, outcome: OutcomeSuccess}
	}
}

// backoff возвращает задержку 2^attempt * base
func (p *Proxy) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	return p.config.RetryBaseDelay * time.Duration(1<<uint(attempt))
}

func classifyError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeNetwork
}

func unavailable(service, message string) *core.FrameworkError {
	return core.NewError(core.ErrServiceUnavailable, fmt.Sprintf("%s: %s", service, message)).
		WithDetail("upstream", service)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
