package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelmux/modelmux/internal/capacity"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/logx"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/server"
	"github.com/modelmux/modelmux/internal/store"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var scfg config.ServerConfig
	scfg.BindFlags()
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if scfg.RedisAddr != "" {
		rs, err := store.NewRedis(scfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("redis store")
		}
		st = rs
	} else {
		st = store.NewMemory()
	}

	cfg, err := loadEngineConfig(ctx, scfg, st)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("config")
	}

	o := orchestrator.New(st, events.LogSink{}, cfg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	mon := capacity.New()
	o.SetCapacity(mon)
	mon.Start(ctx, 10*time.Second, o.Registry())
	o.Registry().StartProbing(ctx, cfg.Performance.StalenessWindow()/2)

	handler := server.New(o, scfg)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", scfg.Port), Handler: handler}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if scfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if scfg.WorkerKey != "" {
		logx.Log.Info().Msg("Backend key required")
	}
	logx.Log.Info().Int("port", scfg.Port).Str("version", version).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// loadEngineConfig prefers an explicit file, then a previously persisted
// document, then built-in defaults.
func loadEngineConfig(ctx context.Context, scfg config.ServerConfig, st store.Store) (*config.Config, error) {
	if scfg.ConfigFile != "" {
		return config.LoadFile(scfg.ConfigFile)
	}
	doc, err := st.LoadConfig(ctx)
	if err == nil {
		return config.Load(doc)
	}
	if err != store.ErrNoConfig {
		return nil, err
	}
	return config.Default(), nil
}
