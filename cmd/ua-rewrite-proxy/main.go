package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/natefinch/lumberjack.v2"

	"ua-rewrite-proxy/internal/client"
	"ua-rewrite-proxy/internal/config"
	"ua-rewrite-proxy/internal/handler"
	"ua-rewrite-proxy/internal/metrics"
	"ua-rewrite-proxy/internal/middleware"
	"ua-rewrite-proxy/internal/origdst"
	"ua-rewrite-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("ua-rewrite-proxy"),
		kong.Description("Transparent TCP proxy that rewrites the User-Agent of redirected HTTP requests."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogOutput,
			newLogger,
			metrics.New,
			newResolver,
			fx.Annotate(client.NewConnector, fx.As(new(service.Dialer))),
			service.OptionsFromConfig,
			service.NewHandler,
			fx.Annotate(service.NewListener, fx.As(fx.Self()), fx.As(new(handler.ProxyState))),
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(closeLogOutput, warnConfigPermissions, startListener, startAdmin),
	).Run()
}

// logOutput is where log records go: stdout, plus a size-capped file when
// log.file is set.
type logOutput struct {
	io.Writer
	file *lumberjack.Logger
}

func newLogOutput(cfg *config.Config) *logOutput {
	if cfg.Log.File == "" {
		return &logOutput{Writer: os.Stdout}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	return &logOutput{Writer: io.MultiWriter(os.Stdout, file), file: file}
}

func closeLogOutput(lc fx.Lifecycle, out *logOutput) {
	if out.file != nil {
		lc.Append(fx.StopHook(out.file.Close))
	}
}

func newLogger(cfg *config.Config, out *logOutput) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newResolver(cfg *config.Config) (origdst.Resolver, error) {
	mode, err := origdst.ParseMode(cfg.Resolver.Mode)
	if err != nil {
		return nil, err
	}
	return origdst.New(mode, cfg.Resolver.StaticTarget)
}

func newEcho(cfg *config.Config, m *metrics.Metrics, health *handler.HealthHandler, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.SecurityHeaders())

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Admin.RateLimit))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	handler.RegisterRoutes(e, cfg, health, m)
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	if cfg.FilePath() == "" {
		logger.Info("no config file found, using built-in defaults")
	}
}

func startListener(lc fx.Lifecycle, l *service.Listener, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting proxy",
				"version", version,
				"header", cfg.Rewrite.Header,
				"value", cfg.Rewrite.Value,
				"resolver", cfg.Resolver.Mode,
				"max_connections", cfg.Server.MaxConnections,
			)
			return l.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy", "active", l.Active())
			return l.Stop(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
