package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dolar-rate-alerts/internal/engine"
	"dolar-rate-alerts/internal/notify"
	"dolar-rate-alerts/internal/storage"
)

// Options tune the HTTP API server.
type Options struct {
	Addr           string
	RequestTimeout time.Duration
}

// Server exposes the trigger, reset, and subscription endpoints.
type Server struct {
	opts     Options
	engine   *engine.Engine
	subs     storage.SubscriberStore
	telegram *notify.Telegram
	logger   zerolog.Logger
	http     *http.Server
}

// New constructs the API server. telegram may be nil; the webhook endpoint
// then acknowledges updates without replying.
func New(opts Options, eng *engine.Engine, subs storage.SubscriberStore, telegram *notify.Telegram, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	s := &Server{
		opts:     opts,
		engine:   eng,
		subs:     subs,
		telegram: telegram,
		logger:   logger.With().Str("component", "http_server").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))

	api := router.Group("/api", Timeout(opts.RequestTimeout))
	{
		api.GET("/check-rates", s.checkRates)
		api.DELETE("/check-rates", s.resetRates)
		api.GET("/subscribers", s.listSubscribers)
		api.POST("/subscribers", s.upsertSubscriber)
		api.DELETE("/subscribers/:id", s.removeSubscriber)
		api.POST("/telegram/webhook", s.telegramWebhook)
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
