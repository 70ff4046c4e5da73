package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akriventsev/fincore/framework/breaker"
	"github.com/akriventsev/fincore/framework/core"
	"github.com/akriventsev/fincore/framework/metrics"
	"github.com/akriventsev/fincore/framework/observability"
	"github.com/akriventsev/fincore/framework/ratelimit"
)

const (
	ctxKeyRequestID = "fincore.request_id"
	ctxKeyIdentity  = "fincore.identity"

	// DefaultMaxRequestBody ограничение размера тела входящего запроса по умолчанию
	DefaultMaxRequestBody = 10 << 20
)

// IdentityResolver устанавливает identity вызывающего по входящему запросу
type IdentityResolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// PlanResolver определяет план подписки организации
type PlanResolver interface {
	PlanFor(ctx context.Context, organizationID string) string
}

// HeaderIdentityResolver доверяет identity заголовкам, выставленным auth прокси перед gateway
type HeaderIdentityResolver struct{}

// Resolve читает identity из заголовков
func (HeaderIdentityResolver) Resolve(r *http.Request) (Identity, error) {
	id := Identity{
		OrganizationID: r.Header.Get(HeaderOrganizationID),
		UserID:         r.Header.Get(HeaderUserID),
		Role:           r.Header.Get(HeaderUserRole),
	}
	if perms := r.Header.Get(HeaderUserPermissions); perms != "" {
		for _, p := range strings.Split(perms, ",") {
			if p = strings.TrimSpace(p); p != "" {
				id.Permissions = append(id.Permissions, p)
			}
		}
	}
	return id, nil
}

// StaticPlanResolver план по организации из статической таблицы
type StaticPlanResolver struct {
	Plans       map[string]string
	DefaultPlan string
}

// PlanFor возвращает план организации или план по умолчанию
func (r StaticPlanResolver) PlanFor(_ context.Context, organizationID string) string {
	if plan, ok := r.Plans[organizationID]; ok {
		return plan
	}
	if r.DefaultPlan == "" {
		return ratelimit.DefaultPlan
	}
	return r.DefaultPlan
}

// ServerConfig конфигурация HTTP сервера gateway.
// Тело запроса больше MaxRequestBody отклоняется с PAYLOAD_TOO_LARGE, не доходя до upstream.
type ServerConfig struct {
	Addr            string
	ServiceName     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	EnableMetrics   bool
	MaxRequestBody  int64
}

// DefaultServerConfig возвращает конфигурацию по умолчанию
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ServiceName:     "fincore-gateway",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		EnableMetrics:   true,
		MaxRequestBody:  DefaultMaxRequestBody,
	}
}

// Server HTTP вход gateway на базе gin
type Server struct {
	config   ServerConfig
	router   *gin.Engine
	proxy    *Proxy
	limiter  *ratelimit.Limiter
	breaker  *breaker.CircuitBreaker
	health   *observability.HealthRegistry
	identity IdentityResolver
	plans    PlanResolver
	metrics  *metrics.Metrics
	clock    core.Clock
	logger   *slog.Logger

	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// ServerOption опция сервера
type ServerOption func(*Server)

// WithIdentityResolver задает источник identity
func WithIdentityResolver(r IdentityResolver) ServerOption {
	return func(s *Server) { s.identity = r }
}

// WithPlanResolver задает источник планов
func WithPlanResolver(r PlanResolver) ServerOption {
	return func(s *Server) { s.plans = r }
}

// WithServerMetrics подключает метрики
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithHealthRegistry подключает внешний реестр health checks
func WithHealthRegistry(h *observability.HealthRegistry) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithServerClock задает источник времени
func WithServerClock(c core.Clock) ServerOption {
	return func(s *Server) { s.clock = c.OrDefault() }
}

// NewServer создает сервер gateway
func NewServer(config ServerConfig, proxy *Proxy, limiter *ratelimit.Limiter, cb *breaker.CircuitBreaker, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	if proxy == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "proxy is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRequestBody <= 0 {
		config.MaxRequestBody = DefaultMaxRequestBody
	}
	s := &Server{
		config:   config,
		proxy:    proxy,
		limiter:  limiter,
		breaker:  cb,
		identity: HeaderIdentityResolver{},
		plans:    StaticPlanResolver{DefaultPlan: ratelimit.DefaultPlan},
		clock:    core.SystemClock,
		logger:   logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = observability.NewHealthRegistry()
	}
	s.registerHealthDetails()
	s.router = s.buildRouter()
	return s, nil
}

// Handler возвращает http.Handler сервера
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerHealthDetails() {
	if s.breaker != nil {
		s.health.RegisterDetail("circuits", func() interface{} {
			return s.breaker.Snapshot()
		})
	}
	if s.limiter != nil {
		s.health.RegisterDetail("rate_limiter", func() interface{} {
			return map[string]interface{}{"degraded": s.limiter.Degraded()}
		})
	}
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestIDMiddleware())
	router.Use(observability.HTTPTracingMiddleware(s.config.ServiceName))

	router.GET("/healthz", s.health.HealthCheckHandler())
	if s.config.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.NoRoute(s.identityMiddleware(), s.rateLimitMiddleware(), s.proxyHandler)
	return router
}

// requestIDMiddleware выставляет X-Request-Id
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Set(ctxKeyRequestID, rid)
		c.Header(HeaderRequestID, rid)
		c.Next()
	}
}

// identityMiddleware устанавливает identity вызывающего
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.identity.Resolve(c.Request)
		if err != nil {
			abortWithError(c, err, s.clock())
			return
		}
		id.RequestID = requestIDFrom(c)
		id.ClientIP = c.ClientIP()
		if id.Plan == "" {
			id.Plan = s.plans.PlanFor(c.Request.Context(), id.OrganizationID)
		}
		c.Set(ctxKeyIdentity, id)
		c.Next()
	}
}

// rateLimitMiddleware проверяет лимиты тенанта по всем окнам плана
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		id := identityFrom(c)
		tenant := id.OrganizationID
		if tenant == "" {
			tenant = "ip:" + id.ClientIP
		}

		res, err := s.limiter.CheckAll(c.Request.Context(), tenant, id.Plan)
		if err != nil {
			abortWithError(c, err, s.clock())
			return
		}
		if !res.Unlimited {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		if !res.Allowed {
			retryAfter := res.RetryAfterSeconds()
			s.metrics.RecordRateLimited(c.Request.Context(), id.Plan, string(res.Window))
			s.logger.Info("rate limit exceeded",
				"tenant", tenant, "plan", id.Plan, "window", res.Window,
				"limit", res.Limit, "request_id", id.RequestID)
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			abortWithError(c, core.NewError(core.ErrRateLimited,
				fmt.Sprintf("rate limit of %d requests per %s exceeded", res.Limit, res.Window)).
				WithDetail("window", string(res.Window)).
				WithDetail("retry_after", retryAfter), s.clock())
			return
		}
		c.Next()
	}
}

// proxyHandler проксирует запрос в upstream
func (s *Server) proxyHandler(c *gin.Context) {
	limit := s.config.MaxRequestBody
	// читаем на байт больше лимита, чтобы отличить тело ровно в лимит от обрезанного
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		abortWithError(c, core.Wrap(err, core.ErrValidation, "failed to read request body"), s.clock())
		return
	}
	if int64(len(body)) > limit {
		abortWithError(c, core.NewError(core.ErrPayloadTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", limit)).
			WithDetail("max_bytes", limit), s.clock())
		return
	}

	req := &Request{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	}
	resp, err := s.proxy.Forward(c.Request.Context(), req, identityFrom(c))
	if err != nil {
		if fe, ok := core.AsFrameworkError(err); !ok || fe.Code == core.ErrInternal {
			s.logger.Error("proxy failed", "path", req.Path, "error", err, "request_id", requestIDFrom(c))
		}
		abortWithError(c, err, s.clock())
		return
	}

	for k, vals := range resp.Header {
		if strings.EqualFold(k, HeaderRequestID) {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	contentType := resp.Header.Get("Content-Type")
	c.Data(resp.StatusCode, contentType, resp.Body)
}

// Start запускает HTTP сервер (реализация core.Lifecycle)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.running = true

	go func() {
		s.logger.Info("gateway listening", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server failed", "error", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()
	return nil
}

// Stop останавливает сервер (реализация core.Lifecycle)
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.running = false
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли сервер (реализация core.Lifecycle)
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Server) Name() string {
	return "gateway"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Server) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

func identityFrom(c *gin.Context) Identity {
	if v, ok := c.Get(ctxKeyIdentity); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{RequestID: requestIDFrom(c), ClientIP: c.ClientIP()}
}
