/*
main.go - Offline integrity check

PURPOSE:
  Runs the same checks as POST /api/admin/audit and /api/admin/reconcile
  against a database file, without starting the HTTP server. Intended for
  cron jobs and post-incident verification.

  1. Replays every ledger account and reports balance or sequence mismatches
  2. Optionally repairs bookings left half-done by an interrupted saga

EXIT CODES:
  0  No violations, every repair succeeded
  1  Setup failure (config, database)
  2  Ledger violations found or a repair failed

EXAMPLES:
  ./integrity -db=./data/booking.db
  ./integrity -db=./data/booking.db -reconcile -grace=30m
*/
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	reconcile := flag.Bool("reconcile", false, "repair interrupted bookings after auditing")
	grace := flag.Duration("grace", booking.DefaultGracePeriod, "minimum age of a pending booking before it is repaired")
	workers := flag.Int("workers", 4, "accounts verified in parallel")
	flag.Parse()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	code := run(*dbPath, *reconcile, *grace, *workers, logger)
	logger.Sync()
	os.Exit(code)
}

func run(dbPath string, reconcile bool, grace time.Duration, workers int, logger *zap.Logger) int {
	ctx := context.Background()

	st, err := sqlite.New(dbPath)
	if err != nil {
		logger.Error("open database", zap.String("db", dbPath), zap.Error(err))
		return 1
	}
	defer st.Close()

	led := ledger.New(st, ledger.WithLogger(logger.Named("ledger")))

	violations, err := led.Audit(ctx, workers)
	if err != nil {
		logger.Error("audit failed", zap.Error(err))
		return 1
	}
	for _, v := range violations {
		logger.Error("ledger violation",
			zap.String("user_id", string(v.UserID)),
			zap.Int64("seq", v.Seq),
			zap.String("expected", v.Expected.String()),
			zap.String("actual", v.Actual.String()),
			zap.String("detail", v.Detail))
	}
	code := 0
	if len(violations) > 0 {
		code = 2
	}
	logger.Info("audit complete", zap.Int("violations", len(violations)))

	if !reconcile {
		return code
	}

	orch := booking.New(st, led, booking.WithLogger(logger.Named("booking")))
	report, err := orch.Reconcile(ctx, grace)
	if err != nil {
		logger.Error("reconcile failed", zap.Error(err))
		return 1
	}
	for id, ferr := range report.Failed {
		logger.Error("repair failed", zap.String("appointment_id", string(id)), zap.Error(ferr))
		code = 2
	}
	logger.Info("reconcile complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("marked_charged", len(report.MarkedCharged)),
		zap.Int("refunds_finished", len(report.RefundsFinished)))
	return code
}
