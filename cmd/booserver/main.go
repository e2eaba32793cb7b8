package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toyota-m2k/boo-server/internal/api"
	"github.com/toyota-m2k/boo-server/internal/config"
	"github.com/toyota-m2k/boo-server/internal/ffmpeg"
	"github.com/toyota-m2k/boo-server/internal/logger"
	"github.com/toyota-m2k/boo-server/internal/manager"
	"github.com/toyota-m2k/boo-server/internal/source"
	"github.com/toyota-m2k/boo-server/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/booserver.yaml)")
	port := flag.Int("port", 0, "Override listen port from config")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/booserver.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Could not load config from %s: %v", cfgPath, err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger.Init(cfg.LogLevel)

	if len(cfg.Sources) == 0 {
		log.Fatalf("No sources configured in %s", cfgPath)
	}
	for _, src := range cfg.Sources {
		if _, err := os.Stat(src.Path); err != nil {
			log.Fatalf("Source root not reachable: %s: %v", src.Path, err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}
	defer st.Close()

	conv := ffmpeg.NewConverter(cfg.FFmpegPath, cfg.FFprobePath)

	sources := make([]manager.MediaSource, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		srcCfg := source.Config{
			Path:      sc.Path,
			Name:      sc.Name,
			Recursive: sc.Recursive,
			Cloud:     sc.Cloud,
		}
		if sc.RawData != nil {
			srcCfg.RawData = &source.RawDataConfig{
				Path:      sc.RawData.Path,
				Recursive: sc.RawData.Recursive,
				Cloud:     sc.RawData.Cloud,
			}
		}
		sources = append(sources, source.New(srcCfg, conv, cfg.CloudScanInterval()))
	}

	mgr := manager.New(st, sources...)

	logger.Info("starting", "config", cfgPath, "port", cfg.Port, "sources", len(cfg.Sources), "db", cfg.DBPath)

	if err := mgr.Start(context.Background()); err != nil {
		log.Fatalf("Startup reconciliation failed: %v", err)
	}

	router := api.NewRouter(api.NewHandler(mgr))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	mgr.StopWatching()
	logger.Info("stopped")
}
