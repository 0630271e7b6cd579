package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/medigate/internal/config"
	"github.com/nao1215/medigate/internal/metrics"
	"github.com/nao1215/medigate/internal/policy"
	"github.com/nao1215/medigate/internal/proxy"
	"github.com/nao1215/medigate/internal/ratelimit"
	"github.com/nao1215/medigate/internal/route"
	"github.com/nao1215/medigate/pkg/httpclient"
	"github.com/nao1215/medigate/pkg/middleware"
	"github.com/nao1215/medigate/pkg/tracing"
)

// Deps はServerが使うコンポーネント。
type Deps struct {
	// Port はサーバーのリッスンポート。
	Port string
	// ShutdownTimeout は終了時に処理中のリクエストを待つ時間。
	ShutdownTimeout time.Duration
	// Logger は構造化ロガー。
	Logger *zap.Logger
	// Routes はプレフィックスと上流サービスの対応。
	Routes *route.Table
	// Validator はBearerトークンの検証器。
	Validator *middleware.TokenValidator
	// Policy はロールに基づくアクセス制御。
	Policy *policy.Policy
	// Limiter は識別子毎のレート制限。
	Limiter *ratelimit.Limiter
	// Dispatcher は上流サービスへの転送を行う。
	Dispatcher *proxy.Dispatcher
	// Metrics はリクエストカウンタ。
	Metrics *metrics.Registry
	// CORSAllowedOrigins は許可するOrigin。"*" ですべて許可する。
	CORSAllowedOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシ。空の場合は接続元アドレスを使う。
	TrustedProxies []string
	// Now は現在時刻を返す関数。nilの場合はtime.Now。
	Now func() time.Time
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port            string
	shutdownTimeout time.Duration
	logger          *zap.Logger

	routes     *route.Table
	validator  *middleware.TokenValidator
	policy     *policy.Policy
	limiter    *ratelimit.Limiter
	dispatcher *proxy.Dispatcher
	metrics    *metrics.Registry
	now        func() time.Time

	// closers は終了時に解放するリソース。
	closers []func() error
}

// New は設定からすべてのコンポーネントを組み立ててServerを生成する。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	routes, err := cfg.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("ルートテーブルの生成に失敗: %w", err)
	}
	pol, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	validator, err := cfg.TokenValidator()
	if err != nil {
		return nil, fmt.Errorf("トークン検証器の生成に失敗: %w", err)
	}

	var closers []func() error
	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store := ratelimit.NewRedisStore(client, cfg.RateLimitStoreTimeout)
		if err := store.Ping(ctx); err != nil {
			logger.Warn("起動時に共有レート制限ストアへ接続できません", zap.Error(err))
		}
		limiterOpts = append(limiterOpts, ratelimit.WithPrimary(store))
		closers = append(closers, client.Close)
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Limit:  cfg.RateLimitRequests,
		Window: cfg.RateLimitWindow,
	}, limiterOpts...)
	if err != nil {
		return nil, err
	}

	client := httpclient.New(httpclient.WithTimeout(cfg.RequestTimeout))
	closers = append(closers, func() error {
		client.CloseIdleConnections()
		return nil
	})

	s, err := NewServer(Deps{
		Port:               cfg.Port,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Logger:             logger,
		Routes:             routes,
		Validator:          validator,
		Policy:             pol,
		Limiter:            limiter,
		Dispatcher:         proxy.New(client),
		Metrics:            metrics.New(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies:     cfg.TrustedProxies,
	})
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	s.closers = closers

	logger.Info("gatewayを構成しました",
		zap.Int("routes", routes.Len()),
		zap.Int64("rate_limit_requests", limiter.Limit()),
		zap.Duration("rate_limit_window", limiter.Window()),
		zap.Bool("shared_rate_limit_store", cfg.RedisURL != ""),
		zap.Bool("cors_wildcard", cfg.CORSWildcard()),
	)
	return s, nil
}

// NewServer はコンポーネントからServerを生成する。
func NewServer(d Deps) (*Server, error) {
	if d.Routes == nil || d.Validator == nil || d.Policy == nil || d.Limiter == nil || d.Dispatcher == nil {
		return nil, errors.New("gatewayのコンポーネントが不足しています")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.ShutdownTimeout <= 0 {
		d.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		port:            d.Port,
		shutdownTimeout: d.ShutdownTimeout,
		logger:          d.Logger,
		routes:          d.Routes,
		validator:       d.Validator,
		policy:          d.Policy,
		limiter:         d.Limiter,
		dispatcher:      d.Dispatcher,
		metrics:         d.Metrics,
		now:             d.Now,
	}
	if err := s.metrics.RegisterDegradedGauge(s.limiter.Degraded); err != nil {
		return nil, fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	if err := router.SetTrustedProxies(d.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIESが不正です: %w", err)
	}
	router.Use(middleware.RequestID())
	router.Use(ginzap.GinzapWithConfig(s.logger, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		Context:    s.logFields,
	}))
	router.Use(s.observe())
	router.Use(middleware.RecoveryWithHandler(s.recordPanic))
	router.Use(middleware.CORS(d.CORSAllowedOrigins))
	router.Use(otelgin.Middleware(tracing.ServiceName))
	s.router = router
	s.setupRoutes()

	return s, nil
}

// setupRoutes は予約パスと転送パイプラインを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.HEAD("/health", s.handleHealth())
	s.router.GET("/metrics", s.handleMetrics())
	s.router.GET("/metrics/prometheus", gin.WrapH(s.metrics.PrometheusHandler()))

	// 予約パス以外はすべてパイプラインを通して上流へ転送する
	s.router.NoRoute(s.pipeline()...)
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされると処理中のリクエストを待って停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gatewayを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		s.logger.Info("gatewayを停止します")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close は保持しているリソースを解放する。
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// observe はリクエスト毎にRequestContextを用意し、完了時に1回だけメトリクスへ記録する。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := newRequestContext(c, s.now())
		c.Next()

		if !rc.State.terminal() {
			if c.IsAborted() && c.Writer.Status() >= http.StatusInternalServerError {
				rc.finish(StateFailed, codeInternalError, nil)
			} else {
				rc.State = StateCompleted
			}
		}
		s.metrics.Record(s.now().Sub(rc.StartTime), c.Writer.Status())
	}
}

// recordPanic はパニックの内容をRequestContextに残し、アクセスログの1行にまとめて出力させる。
func (s *Server) recordPanic(c *gin.Context, recovered any, stack []byte) {
	rc := getRequestContext(c)
	if rc == nil {
		middleware.LogPanic(s.logger)(c, recovered, stack)
		return
	}
	rc.finish(StateFailed, codeInternalError, fmt.Errorf("panic: %v", recovered))
	rc.Stack = stack
}

// logFields はアクセスログの1行に追加するフィールドを返す。
func (s *Server) logFields(c *gin.Context) []zapcore.Field {
	rc := getRequestContext(c)
	if rc == nil {
		return []zapcore.Field{zap.String("correlation_id", middleware.GetRequestID(c))}
	}

	fields := []zapcore.Field{
		zap.String("correlation_id", rc.CorrelationID),
		zap.String("state", string(rc.State)),
	}
	if rc.ErrorCode != "" {
		fields = append(fields, zap.String("error_code", rc.ErrorCode))
	}
	if rc.Route != nil {
		fields = append(fields, zap.String("upstream", rc.Route.Prefix))
	}
	if rc.Claims != nil {
		fields = append(fields, zap.String("subject", rc.Claims.Subject))
	}
	if rc.Err != nil {
		fields = append(fields, zap.NamedError("cause", rc.Err))
	}
	if len(rc.Stack) > 0 {
		fields = append(fields, zap.ByteString("stack", rc.Stack))
	}
	return fields
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "gateway",
		})
	}
}

// handleMetrics はカウンタを返すハンドラを返す。Acceptがtext/plainを求める場合は1行1カウンタの平文で返す。
func (s *Server) handleMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.metrics.Snapshot()
		if c.NegotiateFormat(gin.MIMEJSON, gin.MIMEPlain) == gin.MIMEPlain {
			c.String(http.StatusOK, snap.Text())
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}
