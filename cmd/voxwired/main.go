// Command voxwired is the voxwire broker: the trust boundary that holds the
// provider API key, authenticates users, and relays session negotiation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/feldgren/voxwire/internal/broker"
	"github.com/feldgren/voxwire/internal/config"
	"github.com/feldgren/voxwire/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxwired: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxwired: %v\n", err)
		}
		return 1
	}
	if cfg.Broker.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "voxwired: broker.listen_addr is required")
		return 1
	}
	if cfg.Broker.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "voxwired: broker.jwt_secret is required")
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxwired starting",
		"config", *configPath,
		"listen_addr", cfg.Broker.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxwired",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	provider := broker.NewProviderClient(
		cfg.Broker.Provider.BaseURL,
		cfg.Broker.Provider.APIKey,
		cfg.Broker.Provider.Model,
	)
	srv := broker.NewServer(
		broker.NewMemoryStore(),
		broker.NewTokenIssuer([]byte(cfg.Broker.JWTSecret)),
		provider,
	)

	slog.Info("broker ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx, cfg.Broker.ListenAddr); err != nil &&
		!errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
