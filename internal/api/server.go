package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/factory"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/observability/metrics"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Server 负责暴露钱包、Lego 与事件查询的 REST 接口。
type Server struct {
	addr     string
	factory  *factory.Factory
	registry *lego.Registry
	store    events.Store
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithEventStore 启用 /api/v1/events 查询。
func WithEventStore(store events.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithLogger 设置审计日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics 替换默认的指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, f *factory.Factory, registry *lego.Registry, opts ...Option) *Server {
	s := &Server{addr: addr, factory: f, registry: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Audit().With(slog.String("component", "api"))
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.route(mux, "POST /api/v1/wallets", "wallet_create", s.handleCreateWallet)
	s.route(mux, "GET /api/v1/wallets", "wallet_list", s.handleListWallets)
	s.route(mux, "GET /api/v1/wallets/{addr}", "wallet_detail", s.handleWalletDetail)
	s.route(mux, "GET /api/v1/wallets/{addr}/available", "wallet_available", s.handleAvailable)
	s.route(mux, "POST /api/v1/wallets/{addr}/deposit", "wallet_deposit", s.handleDeposit)
	s.route(mux, "POST /api/v1/wallets/{addr}/withdraw", "wallet_withdraw", s.handleWithdraw)
	s.route(mux, "POST /api/v1/wallets/{addr}/rebalance", "wallet_rebalance", s.handleRebalance)
	s.route(mux, "POST /api/v1/wallets/{addr}/transfer", "wallet_transfer", s.handleTransfer)
	s.route(mux, "POST /api/v1/wallets/{addr}/eth-to-weth", "wallet_eth_to_weth", s.handleEthToWeth)
	s.route(mux, "POST /api/v1/wallets/{addr}/weth-to-eth", "wallet_weth_to_eth", s.handleWethToEth)

	s.route(mux, "GET /api/v1/legos", "lego_list", s.handleLegos)
	s.route(mux, "GET /api/v1/events", "event_list", s.handleListEvents)
	s.route(mux, "GET /api/v1/events/stats", "event_stats", s.handleEventStats)
	s.route(mux, "GET /api/v1/events/{id}", "event_detail", s.handleEventDetail)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 为处理器加上指标统计与审计日志。
func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)

		attrs := []any{
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		}
		if rec.signer != (common.Address{}) {
			attrs = append(attrs, logger.Address("signer", rec.signer))
		}
		if rec.status >= http.StatusBadRequest {
			s.logger.Warn("API 请求失败", attrs...)
			return
		}
		if r.Method != http.MethodGet {
			s.logger.Info("API 请求", attrs...)
		}
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	signer common.Address
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// noteSigner 记录请求携带的签名者，写入审计日志。
func noteSigner(w http.ResponseWriter, signer common.Address) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.signer = signer
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
