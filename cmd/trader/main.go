// Upbit Trader — an automated spot-trading service for the Upbit exchange,
// steered at runtime by an AI operator through watched settings files.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, maps the result code to the exit status
//	scheduler/scheduler.go — execution loop: settings refresh, universe filter, per-symbol runs
//	strategy/              — signal engine: breakout and risk-managed momentum over candle series
//	decision/decision.go   — policy resolver between signal and order (rule / filter / override)
//	risk/risk.go           — deterministic pre-trade gate: notional bands, loss limit, AI caps, kill switch
//	order/manager.go       — idempotent order lifecycle keyed by client-order-key
//	order/recovery.go      — bounded retries with reconcile-between-retries and kill-switch tripping
//	exchange/              — Upbit REST client (JWT, sliding-window rate limits, endpoint fallback) + WS ticker
//	universe/universe.go   — curates the tradeable KRW markets by warning flags and 24h value
//	aisettings/            — AI settings/overlay file source with safe-range clamping
//	store/store.go         — single JSON state document, crash-safe writes, cross-process lock
//	audit/audit.go         — JSONL trail of every HTTP attempt, size-capped
//
// How it trades:
//
//	Each window the scheduler evaluates the configured strategy per symbol,
//	passes the signal through the AI decision policy, sizes the order from
//	the window amount and the signal's risk multiplier, and submits it
//	through the risk gate. Paper mode accepts orders locally without
//	touching the venue.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"upbit-trader/internal/aisettings"
	"upbit-trader/internal/audit"
	"upbit-trader/internal/config"
	"upbit-trader/internal/decision"
	"upbit-trader/internal/exchange"
	"upbit-trader/internal/order"
	"upbit-trader/internal/risk"
	"upbit-trader/internal/scheduler"
	"upbit-trader/internal/store"
	"upbit-trader/internal/universe"
	"upbit-trader/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("UPBIT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return int(types.CodeInvalidArgs)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return int(types.CodeInvalidArgs)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		return int(types.CodeInternalError)
	}
	if err := st.Update(func(state *types.State) error {
		state.Settings.PaperMode = cfg.PaperMode
		return nil
	}); err != nil {
		logger.Error("failed to persist run mode", "error", err)
		return int(types.CodeInternalError)
	}

	auth := exchange.NewAuth(cfg.API.AccessKey, cfg.API.SecretKey)
	client := exchange.NewClient(cfg.API, auth, logger)

	var auditWriter *audit.Writer
	if cfg.Audit.Path != "" {
		auditWriter, err = audit.NewWriter(cfg.Audit, logger)
		if err != nil {
			logger.Error("failed to open audit log", "error", err)
			return int(types.CodeInternalError)
		}
		defer auditWriter.Close()
		client.SetRequestEventSink(auditWriter.Write)
	}

	feed := exchange.NewFeed(client, cfg.API.WSURL, logger)
	riskEngine := risk.NewEngine(cfg.Risk, cfg.Location(), logger)
	manager := order.NewManager(st, client, riskEngine, cfg.PaperMode, logger)
	recoverer := order.NewRecoverer(manager, st, cfg.Recovery, cfg.Risk.UnknownSubmitMaxAgeSec, logger)
	settings := aisettings.NewSource(cfg.AI, cfg.Trading, cfg.Strategy, cfg.Risk, logger)
	resolver := decision.NewResolver(logger)
	curator := universe.NewCurator(client, cfg.Universe, logger)

	sched, err := scheduler.New(cfg, settings, curator, feed, resolver, recoverer, st, logger)
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		return int(types.CodeInvalidArgs)
	}

	if cfg.PaperMode {
		logger.Warn("PAPER MODE — orders are accepted locally, nothing reaches the venue")
	}
	logger.Info("upbit trader started",
		"symbols", cfg.Trading.Symbols,
		"strategy", cfg.Strategy.Name,
		"order_amount_krw", cfg.Trading.OrderAmountKRW,
		"paper_mode", cfg.PaperMode,
	)

	res := sched.RunExecutionService(context.Background(), stopAfterWindows(logger))
	logger.Info("upbit trader stopped",
		"ok", res.OK, "windows", res.Windows, "stopped_by", res.StoppedBy, "code", res.Code)
	return int(res.Code)
}

// stopAfterWindows reads the optional bounded-run window count; 0 means run
// until stopped.
func stopAfterWindows(logger *slog.Logger) int {
	raw := os.Getenv("UPBIT_STOP_AFTER_WINDOWS")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		logger.Warn("ignoring invalid UPBIT_STOP_AFTER_WINDOWS", "value", raw)
		return 0
	}
	return n
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
