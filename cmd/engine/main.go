// Package main provides the entry point for the strategy engine. The same
// binary runs backtests and live trading; the mode comes from configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/vectorfund/strategy-engine/internal/api"
	"github.com/vectorfund/strategy-engine/internal/convert"
	"github.com/vectorfund/strategy-engine/internal/data"
	"github.com/vectorfund/strategy-engine/internal/engine"
	"github.com/vectorfund/strategy-engine/internal/execution"
	"github.com/vectorfund/strategy-engine/internal/exposure"
	"github.com/vectorfund/strategy-engine/internal/obs"
	"github.com/vectorfund/strategy-engine/internal/pnl"
	"github.com/vectorfund/strategy-engine/internal/position"
	"github.com/vectorfund/strategy-engine/internal/reconcile"
	"github.com/vectorfund/strategy-engine/internal/recorder"
	"github.com/vectorfund/strategy-engine/internal/risk"
	"github.com/vectorfund/strategy-engine/internal/strategy"
	"github.com/vectorfund/strategy-engine/internal/venue"
	"github.com/vectorfund/strategy-engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/engine.yml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFile := flag.String("log-file", "", "Optional rotating log file")
	flag.Parse()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error loading .env file: %v\n", err)
	}

	logger := setupLogger(*logLevel, *logFile)
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("Configuration rejected", zap.Error(err))
	}

	logger.Info("Starting strategy engine",
		zap.String("mode", string(cfg.Mode)),
		zap.String("variant", cfg.Strategy.Variant),
		zap.String("shareClass", cfg.ShareClass),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Price source: historical store for backtests, websocket feed live.
	var source convert.PriceSource
	var feed *data.Feed
	if cfg.Mode == types.ModeBacktest {
		store, err := data.NewStore(logger, cfg.DataDir)
		if err != nil {
			logger.Fatal("Failed to open data store", zap.Error(err))
		}
		source = store
	} else {
		feedURL := os.Getenv("FEED_URL")
		if feedURL == "" {
			logger.Fatal("FEED_URL is required in live mode")
		}
		feed = data.NewFeed(logger, feedURL)
		source = feed
	}

	conv := convert.NewService(logger, source, cfg.ShareClass)

	subs := make([]types.PositionKey, 0, len(cfg.PositionSubscriptions))
	for _, raw := range cfg.PositionSubscriptions {
		subs = append(subs, types.PositionKey(raw))
	}
	positions := position.NewMonitor(logger, subs)
	exposureMon := exposure.NewMonitor(logger, conv)
	riskMon, err := risk.NewMonitor(logger, conv, cfg)
	if err != nil {
		logger.Fatal("Risk monitor rejected configuration", zap.Error(err))
	}
	settlement := cfg.SettlementCurrency
	if settlement == "" {
		settlement = cfg.ShareClass
	}
	pnlMon := pnl.NewMonitor(logger, conv, settlement)

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	handler := reconcile.NewHandler(logger, conv, positions, exposureMon, riskMon, pnlMon, metrics, cfg)

	venueMgr := venue.NewManager(logger, cfg.Venues)
	if cfg.Mode == types.ModeBacktest {
		venueMgr.RegisterExecutor(types.VenueCategoryCEX, venue.NewCEXSim(logger, cfg.ShareClass, cfg.Sim))
		venueMgr.RegisterExecutor(types.VenueCategoryOnChain, venue.NewOnChainSim(logger, cfg.ShareClass, cfg.Sim))
		venueMgr.RegisterExecutor(types.VenueCategoryTransfer, venue.NewTransferSim(logger, cfg.ShareClass, cfg.Sim))
	} else {
		// Venue adapters plug in through venue.Adapter; deployments register
		// theirs before the live executor sees orders.
		adapters := map[string]venue.Adapter{}
		live := venue.NewLiveExecutor(logger, adapters, cfg.Venues)
		venueMgr.RegisterExecutor(types.VenueCategoryCEX, live)
		venueMgr.RegisterExecutor(types.VenueCategoryOnChain, live)
		venueMgr.RegisterExecutor(types.VenueCategoryTransfer, live)
	}

	// Second wiring phase: the handler polls balances through the venue
	// manager, which did not exist when the handler was built.
	handler.BindPoller(venueMgr)

	execMgr := execution.NewManager(logger, venueMgr, metrics, cfg)
	stratMgr, err := strategy.NewManager(logger, conv, cfg)
	if err != nil {
		logger.Fatal("Strategy rejected configuration", zap.Error(err))
	}

	eng := engine.New(logger, cfg, handler, stratMgr, execMgr, metrics)

	if cfg.RecordPath != "" {
		rec, err := recorder.NewRecorder(logger, cfg.RecordPath)
		if err != nil {
			logger.Fatal("Failed to open tick record", zap.Error(err))
		}
		defer rec.Close()
		eng.SetRecorder(rec)
	}

	if cfg.StatusListen != "" {
		server := api.NewServer(logger, cfg, eng, handler, registry)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Error("Error during status server shutdown", zap.Error(err))
			}
		}()
	}

	if feed != nil {
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Price feed stopped", zap.Error(err))
			}
		}()
	}

	result, err := eng.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		var sysErr *types.SystemFailure
		if errors.As(err, &sysErr) {
			logger.Error("System failure, exiting", zap.Error(err))
			logger.Sync()
			os.Exit(1)
		}
		logger.Fatal("Run failed", zap.Error(err))
	}

	if result != nil {
		logger.Info("Run summary",
			zap.String("mode", string(result.Mode)),
			zap.String("variant", result.Variant),
			zap.Int("ticks", result.Ticks),
			zap.Int("failedTicks", result.FailedTicks),
			zap.Int("ordersExecuted", result.OrdersExecuted),
			zap.Int("ordersFailed", result.OrdersFailed),
			zap.String("cumulativePnl", result.CumulativePnL.String()),
			zap.String("maxDrawdown", result.MaxDrawdown.String()),
		)
	}
}

// loadConfig reads and validates the engine configuration. Any missing
// required field aborts startup.
func loadConfig(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg types.Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupLogger(level, file string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		zapLevel,
	)

	if file == "" {
		return zap.New(consoleCore, zap.AddCaller())
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&lumberjack.Logger{
			Filename: file,
			MaxSize:  100,
			MaxAge:   14,
			Compress: true,
		}),
		zapLevel,
	)
	return zap.New(zapcore.NewTee(consoleCore, fileCore), zap.AddCaller())
}
