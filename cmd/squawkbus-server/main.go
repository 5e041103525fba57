package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/squawkbus/squawkbus/internal/authstore"
	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/config"
	"github.com/squawkbus/squawkbus/internal/hub"
	"github.com/squawkbus/squawkbus/internal/logging"
	"github.com/squawkbus/squawkbus/internal/metrics"
	"github.com/squawkbus/squawkbus/internal/transport"
)

func main() {
	fs := pflag.NewFlagSet("squawkbus-server", pflag.ExitOnError)
	config.ServerFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadServer(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	// automaxprocs (blank-imported above) sets GOMAXPROCS from the container
	// cgroup CPU quota; log what it landed on.
	logger.Info("runtime initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	authStore := authstore.New()
	if cfg.Auth.PasswordFile != "" {
		if err := authStore.Load(cfg.Auth.PasswordFile); err != nil {
			logger.Fatal("failed to load password file", zap.Error(err))
		}
	}

	policy, err := authz.Load(cfg.Authz.File, cfg.Authz.Inline)
	if err != nil {
		logger.Fatal("failed to load authorization policy", zap.Error(err))
	}
	policyStore := authz.NewStore(policy)

	metricsRegistry := metrics.NewRegistry()

	h := hub.New(hub.Config{InboxSize: cfg.Hub.InboxSize, OutboxSize: cfg.Hub.OutboxSize}, policyStore, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)

	sampler := metrics.NewHostSampler(metricsRegistry, logger, 15*time.Second)
	go sampler.Run(ctx)

	transportCfg := transport.Config{
		Endpoint:          cfg.Server.Endpoint,
		TLS:               cfg.Server.TLS,
		CertFile:          cfg.Server.CertFile,
		KeyFile:           cfg.Server.KeyFile,
		HandshakeTimeout:  10 * time.Second,
		InboundRatePerSec: cfg.Transport.InboundRatePerSec,
		InboundBurst:      cfg.Transport.InboundBurst,
		MaxFrameBytes:     cfg.Transport.MaxFrameBytes,
	}
	srv := transport.NewServer(transportCfg, logger, h, authStore, metricsRegistry)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	go watchReload(ctx, logger, authStore, h, cfg.Authz.File, cfg.Authz.Inline, cfg.Auth.PasswordFile)

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runMetricsServer(ctx, cfg.Metrics.ListenAddr, h, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	srv.Stop()
	logger.Info("transport stopped")
}

// watchReload listens for SIGHUP and atomically swaps the hub's policy
// snapshot and reloads the password file, per spec.md §6 "SIGHUP triggers a
// reload of the authorization and authentication files without restarting
// the process."
func watchReload(ctx context.Context, logger *zap.Logger, authStore *authstore.Store, h *hub.Hub, authzFile, authzInline, passwordFile string) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			logger.Info("reload signal received")

			if passwordFile != "" {
				if err := authStore.Reload(); err != nil {
					logger.Warn("failed to reload password file, keeping previous snapshot", zap.Error(err))
				}
			}

			newPolicy, err := authz.Load(authzFile, authzInline)
			if err != nil {
				logger.Warn("failed to reload authorization policy, keeping previous snapshot", zap.Error(err))
				continue
			}
			// Only the hub goroutine mutates the policy store, via OnReset;
			// this keeps policy changes serialized with in-flight dispatch
			// the same way every other piece of routing state is.
			submitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := h.Submit(submitCtx, hub.OnReset(newPolicy)); err != nil {
				logger.Warn("failed to submit reloaded policy to hub", zap.Error(err))
			}
			cancel()
		}
	}
}

func runMetricsServer(ctx context.Context, addr string, h *hub.Hub, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"clients":   h.ClientCount(),
		})
	})
	mux.Handle("/metrics", metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
