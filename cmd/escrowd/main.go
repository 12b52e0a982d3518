package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"escrowpay/config"
	"escrowpay/escrow"
	"escrowpay/escrow/memledger"
	"escrowpay/observability/logging"
	"escrowpay/rpc"
	"escrowpay/scheduler"
	"escrowpay/storage"
)

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the daemon configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	var logWriter io.Writer
	if cfg.LogFile != "" {
		logWriter = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}
	logger := logging.Setup("escrowd", cfg.Environment, logWriter)

	var db storage.Database
	if cfg.DataDir == "" {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "registry"))
		if err != nil {
			logger.Error("open registry store", "error", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()

	registry := escrow.NewRegistry()
	if err := storage.LoadRegistry(db, registry); err != nil {
		logger.Error("restore registry snapshot", "error", err)
		os.Exit(1)
	}

	ledger := memledger.New()
	engine := escrow.NewEngine(registry, ledger)
	engine.SetParams(cfg.EngineParams())

	feeEngine, err := cfg.FeeEngine()
	if err != nil {
		logger.Error("build fee engine", "error", err)
		os.Exit(1)
	}
	engine.SetFeeEngine(feeEngine)

	resolver, err := cfg.ResolverAddress()
	if err != nil {
		logger.Error("parse dispute resolver", "error", err)
		os.Exit(1)
	}
	if resolver != (escrow.Address{}) {
		engine.SetResolver(resolver)
	}

	events := escrow.NewEventLog(cfg.EventLogCapacity)
	engine.SetNotifier(events)

	server := rpc.NewServer(rpc.Options{
		Engine:             engine,
		Registry:           registry,
		Events:             events,
		Ledger:             ledger,
		Logger:             logger,
		Persist:            func() error { return storage.SaveRegistry(db, registry.Snapshot()) },
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	timers := scheduler.NewTimer()
	defer timers.Close()
	engine.SetScheduler(server.SerializedScheduler(timers))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("escrow daemon listening", "component", "rpc", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("escrow daemon stopped")
}
