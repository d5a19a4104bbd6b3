package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/alxayo/rtmpjoin/internal/blobsidecar"
	"github.com/alxayo/rtmpjoin/internal/config"
	"github.com/alxayo/rtmpjoin/internal/logger"
	srv "github.com/alxayo/rtmpjoin/internal/rtmp/server"
)

func main() {
	kong.Parse(&cli,
		kong.Name("rtmp-server"),
		kong.Description("Ingests RTMP publishers and re-muxes them into a single live FLV stream."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	fileCfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	applyOverrides(&fileCfg)

	logger.Init()
	if fileCfg.LogFile != "" {
		logger.UseRotatingFile(fileCfg.LogFile, 100, 5, 30)
	}
	if err := logger.SetLevel(fileCfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid log level %q, using default\n", fileCfg.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	hookTimeout, err := time.ParseDuration(durationOr(fileCfg.HookTimeoutSeconds))
	if err != nil {
		log.Warn("invalid hook timeout, using default", "error", err)
		hookTimeout = 30 * time.Second
	}

	server := srv.New(srv.Config{
		ListenAddr:           fileCfg.ListenAddr,
		ConnectionCap:        fileCfg.ConnectionCap,
		MediaChannelCapacity: fileCfg.MediaChannelCapacity,
		AckAfterBytes:        fileCfg.AckAfterBytes,
		LogLevel:             fileCfg.LogLevel,
		RecordDir:            fileCfg.RecordDir,
		MetricsAddr:          fileCfg.MetricsAddr,
		WebSocketAddr:        fileCfg.WebSocketAddr,
		RateLimitPerSecond:   fileCfg.RateLimitPerSecond,
		RateLimitBurst:       fileCfg.RateLimitBurst,
		HookScripts:          fileCfg.HookScripts,
		HookWebhooks:         fileCfg.HookWebhooks,
		HookScriptDir:        fileCfg.HookScriptDir,
		HookTimeout:          hookTimeout,
		HookConcurrency:      fileCfg.HookConcurrency,
		BlobSidecar: blobsidecar.Config{
			ContainerURL:       fileCfg.BlobSidecar.ContainerURL,
			WatchDir:           fileCfg.BlobSidecar.WatchDir,
			UseManagedIdentity: fileCfg.BlobSidecar.UseManagedIdentity,
		},
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-server.Done():
		log.Info("all publishers gone, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// applyOverrides copies flags the operator actually set on top of the
// loaded config. A flag left at its zero value never clobbers a value
// already present from -config or config.Default().
func applyOverrides(cfg *config.Config) {
	if cli.Listen != "" {
		cfg.ListenAddr = cli.Listen
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.LogFile = cli.LogFile
	}
	if cli.RecordDir != "" {
		cfg.RecordDir = cli.RecordDir
	}
	if cli.MetricsAddr != "" {
		cfg.MetricsAddr = cli.MetricsAddr
	}
	if cli.WebSocket != "" {
		cfg.WebSocketAddr = cli.WebSocket
	}
	if cli.ConnectionCap != 0 {
		cfg.ConnectionCap = cli.ConnectionCap
	}
	if cli.MediaChannelCap != 0 {
		cfg.MediaChannelCapacity = cli.MediaChannelCap
	}
	if cli.AckAfterBytes != 0 {
		cfg.AckAfterBytes = cli.AckAfterBytes
	}
	if cli.RateLimitPerSecond != 0 {
		cfg.RateLimitPerSecond = cli.RateLimitPerSecond
	}
	if cli.RateLimitBurst != 0 {
		cfg.RateLimitBurst = cli.RateLimitBurst
	}
	if len(cli.HookScript) > 0 {
		cfg.HookScripts = append(cfg.HookScripts, cli.HookScript...)
	}
	if len(cli.HookWebhook) > 0 {
		cfg.HookWebhooks = append(cfg.HookWebhooks, cli.HookWebhook...)
	}
	if cli.HookScriptDir != "" {
		cfg.HookScriptDir = cli.HookScriptDir
	}
	if cli.HookTimeout != "" {
		if d, err := time.ParseDuration(cli.HookTimeout); err == nil {
			cfg.HookTimeoutSeconds = int(d.Seconds())
		}
	}
	if cli.HookConcurrency != 0 {
		cfg.HookConcurrency = cli.HookConcurrency
	}
	if cli.BlobContainerURL != "" {
		cfg.BlobSidecar.ContainerURL = cli.BlobContainerURL
	}
	if cli.BlobWatchDir != "" {
		cfg.BlobSidecar.WatchDir = cli.BlobWatchDir
	}
	if cli.BlobManagedID {
		cfg.BlobSidecar.UseManagedIdentity = true
	}
}

func durationOr(seconds int) string {
	if seconds <= 0 {
		return "30s"
	}
	return fmt.Sprintf("%ds", seconds)
}
