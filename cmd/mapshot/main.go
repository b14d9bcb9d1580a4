package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"mapshot/internal/app"
	"mapshot/internal/capture"
	u "mapshot/internal/utils"
)

func main() {
	serve := flag.Bool("serve", false, "run the HTTP capture service instead of a one-shot capture")
	in := flag.String("in", "", "input HTML page (overrides capture.input_path)")
	out := flag.String("out", "", "output PNG path (overrides capture.output_path)")
	flag.Parse()

	cfg := u.LoadConfig()
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	u.SetLogLevel(cfg.Logger.Level)

	if *serve {
		runServer(cfg)
		return
	}

	if err := runCapture(cfg, *in, *out); err != nil {
		u.Error("Map capture failed", "error", err)
		os.Exit(1)
	}
}

// runCapture executes the one-shot CLI capture. Any failure is fatal to the
// run; the caller exits non-zero.
func runCapture(cfg u.Config, in, out string) error {
	if in != "" {
		cfg.Capture.InputPath = in
	}
	if out != "" {
		cfg.Capture.OutputPath = out
	}

	params := capture.ParamsFromConfig(cfg.Capture)
	if err := capture.Run(context.Background(), cfg.Capture, params); err != nil {
		return err
	}

	u.Info("Map capture written",
		"output", params.OutputPath,
		"width", params.Width,
		"height", params.Height,
		"scale", params.Scale,
	)
	return nil
}

// runServer runs the HTTP capture service until a termination signal.
func runServer(cfg u.Config) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Cache.RedisHost,
		DB:   cfg.Cache.PNGCacheDB,
	})

	idleConnsClosed := make(chan struct{})
	if err := u.LoadTokensFromPostgres(cfg.Auth.Postgres); err != nil {
		u.Error("Failed to load API tokens", "error", err)
	}
	go u.RefreshTokensPeriodicallyFromPostgres(cfg.Auth.Postgres, time.Minute, idleConnsClosed)

	application := app.SetupApp(cfg, rdb)

	startServer(application, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg u.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			u.Error("Server error", "error", err)
		}
	}()

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	u.Warn("Shutdown signal received, closing server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	u.Info("Server stopped cleanly")
}
