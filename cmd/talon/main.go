package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"talon/internal/app"
	"talon/internal/config"
	"talon/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	var (
		cfgPath  = flag.String("config", defaultConfigPath(), "path to the YAML config file")
		dryRun   = flag.Bool("dry-run", false, "force paper execution regardless of config")
		interval = flag.Int("interval", 0, "override trading.interval_seconds")
	)
	flag.Parse()

	// .env carries exchange credentials in local setups; absence is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env skipped: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	if *dryRun {
		cfg.Trading.Mode = "paper"
	}
	if *interval > 0 {
		cfg.Trading.IntervalSeconds = *interval
	}

	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("initializing log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded: %s mode=%s", *cfgPath, cfg.Trading.Mode)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("initializing app failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("TALON_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
