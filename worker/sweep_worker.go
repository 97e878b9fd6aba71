package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"mailprobe/credits"
)

// SweepWorker periodically releases expired credit reservations so credits
// locked by crashed jobs come back on their own.
type SweepWorker struct {
	ledger   *credits.Ledger
	logger   *logrus.Logger
	interval time.Duration
}

func NewSweepWorker(ledger *credits.Ledger, interval time.Duration, logger *logrus.Logger) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepWorker{ledger: ledger, logger: logger, interval: interval}
}

// Start blocks until ctx is cancelled.
func (w *SweepWorker) Start(ctx context.Context) {
	w.logger.Info("starting reservation sweep worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping reservation sweep worker")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			w.logger.WithField("panic", r).Error("reservation sweep panicked")
		}
	}()
	if _, err := w.ledger.SweepExpired(ctx); err != nil {
		w.logger.WithError(err).Error("reservation sweep failed")
	}
}
