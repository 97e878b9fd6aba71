package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailprobe/credits"
	"mailprobe/models"
	"mailprobe/verifier"
)

// Progress is a bulk job progress event.
type Progress struct {
	JobID     string `json:"job_id"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Valid     int    `json:"valid"`
	Invalid   int    `json:"invalid"`
}

// Notifier receives job lifecycle events. The transport is up to the
// implementation; the default just logs.
type Notifier interface {
	Progress(p Progress)
	Finished(jobID, status, errMsg string, final Progress)
}

// LogNotifier emits job events as structured log lines.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Progress(p Progress) {
	n.Logger.WithFields(logrus.Fields{
		"job_id": p.JobID, "processed": p.Processed, "total": p.Total,
		"valid": p.Valid, "invalid": p.Invalid,
	}).Debug("bulk job progress")
}

func (n *LogNotifier) Finished(jobID, status, errMsg string, final Progress) {
	n.Logger.WithFields(logrus.Fields{
		"job_id": jobID, "status": status, "error": errMsg,
		"valid": final.Valid, "invalid": final.Invalid,
	}).Info("bulk job finished")
}

// BulkWorker polls for queued bulk jobs and runs them through the
// verification pipeline with a bounded worker pool.
type BulkWorker struct {
	db           *gorm.DB
	verifier     *verifier.Service
	ledger       *credits.Ledger
	notifier     Notifier
	logger       *logrus.Logger
	pollInterval time.Duration
	concurrency  int
	costPerEmail int64
}

func NewBulkWorker(db *gorm.DB, vs *verifier.Service, ledger *credits.Ledger, notifier Notifier, logger *logrus.Logger, pollInterval time.Duration, concurrency int, costPerEmail int64) *BulkWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	if costPerEmail <= 0 {
		costPerEmail = 1
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &BulkWorker{
		db:           db,
		verifier:     vs,
		ledger:       ledger,
		notifier:     notifier,
		logger:       logger,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		costPerEmail: costPerEmail,
	}
}

// Start blocks, polling for queued jobs until ctx is cancelled.
func (w *BulkWorker) Start(ctx context.Context) {
	w.logger.Info("starting bulk verification worker")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping bulk verification worker")
			return
		case <-ticker.C:
			w.runPending(ctx)
		}
	}
}

func (w *BulkWorker) runPending(ctx context.Context) {
	var jobs []models.BulkJob
	err := w.db.WithContext(ctx).
		Where("status = ?", "queued").
		Order("id asc").
		Limit(5).
		Find(&jobs).Error
	if err != nil {
		w.logger.WithError(err).Error("failed to poll bulk jobs")
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := w.ProcessJob(ctx, &jobs[i]); err != nil {
			w.logger.WithError(err).WithField("job_id", jobs[i].JobID).Error("bulk job failed")
		}
	}
}

type bulkResult struct {
	email   string
	outcome *verifier.Outcome
	err     error
}

// verifyOne shields the pool from panics in the pipeline: a panicked
// verification becomes an errored result, which is never charged for.
func (w *BulkWorker) verifyOne(ctx context.Context, job *models.BulkJob, email string) (res bulkResult) {
	res.email = email
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			w.logger.WithFields(logrus.Fields{"job_id": job.JobID, "email": email, "panic": r}).
				Error("verification panicked")
			res.err = fmt.Errorf("verification panicked: %v", r)
		}
	}()
	res.outcome, res.err = w.verifier.Verify(ctx, email, job.UserID, job.JobID)
	return res
}

// ProcessJob runs one job to completion. On panic the job is marked failed
// and its reservations released so no credits stay locked.
func (w *BulkWorker) ProcessJob(ctx context.Context, job *models.BulkJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			err = fmt.Errorf("bulk job panicked: %v", r)
			w.failJob(job, err.Error())
		}
	}()

	now := time.Now()
	updates := map[string]interface{}{"status": "running", "started_at": &now}
	if err := w.db.Model(job).Updates(updates).Error; err != nil {
		return err
	}

	emails := splitEmails(job.Emails)
	total := len(emails)
	progress := Progress{JobID: job.JobID, Total: total}
	w.notifier.Progress(progress)

	jobs := make(chan string)
	results := make(chan bulkResult, total)
	var wg sync.WaitGroup

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for email := range jobs {
				results <- w.verifyOne(ctx, job, email)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, email := range emails {
			select {
			case <-ctx.Done():
				return
			case jobs <- email:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var charged int64
	for res := range results {
		progress.Processed++
		if res.err == nil && res.outcome != nil && !res.outcome.Deferred {
			charged++
		}
		if res.err == nil && res.outcome != nil && res.outcome.Status == verifier.StatusValid {
			progress.Valid++
		} else {
			progress.Invalid++
		}
		w.notifier.Progress(progress)
	}

	if ctx.Err() != nil {
		w.failJob(job, "cancelled")
		return ctx.Err()
	}

	// Settle credits only for verifications that actually ran to
	// completion. If settlement fails the reservations stay locked and
	// the sweeper recovers them.
	actualCost := charged * w.costPerEmail
	if err := w.ledger.FinalizeJob(ctx, job.JobID, actualCost); err != nil {
		w.logger.WithError(err).WithField("job_id", job.JobID).Error("failed to settle job reservations")
	}

	done := time.Now()
	err = w.db.Model(job).Updates(map[string]interface{}{
		"status":       "finished",
		"completed_at": &done,
		"processed":    progress.Processed,
		"valid":        progress.Valid,
		"invalid":      progress.Invalid,
	}).Error
	if err != nil {
		return err
	}
	w.notifier.Finished(job.JobID, "finished", "", progress)
	return nil
}

func (w *BulkWorker) failJob(job *models.BulkJob, msg string) {
	released, _ := w.ledger.ReleaseByJob(context.Background(), job.JobID)
	if released > 0 {
		w.logger.WithFields(logrus.Fields{"job_id": job.JobID, "released": released}).
			Info("released reservations for failed job")
	}
	err := w.db.Model(job).Updates(map[string]interface{}{
		"status":        "failed",
		"error_message": msg,
	}).Error
	if err != nil {
		w.logger.WithError(err).WithField("job_id", job.JobID).Error("failed to mark job failed")
	}
	w.notifier.Finished(job.JobID, "failed", msg, Progress{JobID: job.JobID})
}

func splitEmails(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		email := strings.ToLower(strings.TrimSpace(line))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}
