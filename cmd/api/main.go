package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classroll/internal/api"
	"classroll/internal/app"
	"classroll/internal/auth"
	"classroll/internal/config"
	"classroll/internal/httpmiddleware"
	"classroll/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(cfg.Logging)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logging.Fatal().Err(err).Msg("http server failed")
	}
}

func runHTTP(cfg config.App) error {
	log := logging.Component("api")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// A memory store or queue cannot be shared with cmd/worker, so run its services here.
	var workerDone <-chan error
	if a.SingleProcess() {
		log.Info().Msg("running lifecycle and dispatcher in-process")
		workerDone = a.Supervisor().ServeBackground(ctx)
	}

	r, err := api.NewEngine(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(log))
	r.Use(cors.New(corsConfig(cfg.HTTP.CORSOrigins)))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.HTTP.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		deps := a.Health(c.Request.Context())
		status := http.StatusOK
		for _, ok := range deps {
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "deps": deps})
	})

	v1 := r.Group("/v1", auth.Authenticate(cfg.JWT.SigningKey, cfg.JWT.Issuer))
	api.New(api.Deps{
		Sessions:   a.Sessions,
		Attendance: a.Attendance,
		Lifecycle:  a.Job,
		Fence:      a.Backend,
		Students:   a.Backend,
		Feed:       a.Backend,
		Clock:      a.Clock,
		Log:        log,
	}).Register(v1)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	if workerDone != nil {
		stop()
		<-workerDone
	}
	log.Info().Msg("server exited")
	return nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader}
	c.ExposeHeaders = []string{httpmiddleware.RequestIDHeader}
	c.MaxAge = 24 * time.Hour
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	return c
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
