package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/playhouse/internal/config"
	"github.com/udisondev/playhouse/internal/server"
	"github.com/udisondev/playhouse/internal/transport"
)

const ConfigPath = "config/playserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Configure slog
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	slog.Info("playhouse play server starting")

	// Load config
	cfgPath := ConfigPath
	if p := os.Getenv("PLAYHOUSE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadPlayServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("config loaded",
		"server_id", cfg.ServerID,
		"mesh", cfg.BindEndpoint,
		"tcp", cfg.TcpAddr,
		"ws", cfg.WsAddr)

	srv := server.NewPlayServer(server.PlayOptions{
		ServerId:          cfg.ServerID,
		BindEndpoint:      cfg.BindEndpoint,
		TcpAddr:           cfg.TcpAddr,
		WsAddr:            cfg.WsAddr,
		RequestTimeout:    cfg.RequestTimeout,
		AuthenticateMsgId: cfg.AuthenticateMsgId,
		GracePeriod:       cfg.GracePeriod,
		ResolverInterval:  cfg.ResolverInterval,
		Transport: transport.Options{
			MaxPacketSize:    cfg.MaxPacketSize,
			SendQueueSize:    cfg.SendQueueSize,
			WriteTimeout:     cfg.WriteTimeout,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		},
	})

	// Stage types are registered here by the hosting program, e.g.
	//   srv.UseStage(stage.Registration{StageType: "room", ...})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
