package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mailprobe/credits"
	"mailprobe/models"
	"mailprobe/throttle"
	"mailprobe/verifier"
)

// rcptStub answers RCPT probes per address: 250 for locals starting with
// "ok", 550 user unknown otherwise.
func startRCPTStub(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				fmt.Fprintf(conn, "220 stub ESMTP\r\n")
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.ToUpper(strings.TrimSpace(line))
					switch {
					case strings.HasPrefix(cmd, "RCPT"):
						if strings.Contains(cmd, "<OK") {
							fmt.Fprintf(conn, "250 2.1.5 OK\r\n")
						} else {
							fmt.Fprintf(conn, "550 5.1.1 user unknown\r\n")
						}
					case strings.HasPrefix(cmd, "QUIT"):
						fmt.Fprintf(conn, "221 bye\r\n")
						return
					default:
						fmt.Fprintf(conn, "250 OK\r\n")
					}
				}
			}(conn)
		}
	}()
	return ln
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []Progress
	finished []string
}

func (n *recordingNotifier) Progress(p Progress) {
	n.mu.Lock()
	n.events = append(n.events, p)
	n.mu.Unlock()
}

func (n *recordingNotifier) Finished(jobID, status, errMsg string, final Progress) {
	n.mu.Lock()
	n.finished = append(n.finished, status)
	n.mu.Unlock()
}

func (n *recordingNotifier) last() Progress {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return Progress{}
	}
	return n.events[len(n.events)-1]
}

var workerDBSeq int

func testHarness(t *testing.T) (*gorm.DB, *credits.Ledger, *verifier.Service) {
	t.Helper()
	return testHarnessWithBackoff(t, throttle.NewMemoryBackoff(time.Millisecond, 10*time.Millisecond))
}

func testHarnessWithBackoff(t *testing.T, backoff throttle.DomainBackoff) (*gorm.DB, *credits.Ledger, *verifier.Service) {
	t.Helper()
	workerDBSeq++
	dsn := fmt.Sprintf("file:worker_test_%d?mode=memory&cache=shared", workerDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Team{},
		&models.CreditReservation{},
		&models.CreditTransaction{},
		&models.TeamCreditTransaction{},
		&models.BulkJob{},
		&models.VerificationResult{},
	))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ln := startRCPTStub(t)
	prober := verifier.NewProber(verifier.ProberConfig{
		HeloDomain:  "test.local",
		MailFrom:    "probe@test.local",
		Timeout:     2 * time.Second,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
	}, throttle.NewMemoryThrottle(50), logger)
	prober.SetDialer(func(ctx context.Context, host string) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})

	resolver := verifier.NewResolverWithLookup(time.Second, time.Minute,
		func(ctx context.Context, domain string) ([]*net.MX, error) {
			return []*net.MX{{Host: "mx.test.example.", Pref: 10}}, nil
		})

	svc := verifier.NewService(
		db,
		resolver,
		prober,
		backoff,
		verifier.NewResultCache(nil, time.Minute, logger),
		verifier.NewReputation(nil, logger),
		verifier.ServiceConfig{MaxBackoffWait: time.Second},
		logger,
	)
	svc.SetIPScorer(func(host string) int { return 50 })

	ledger := credits.NewLedger(db, time.Hour, logger)
	return db, ledger, svc
}

func seedJob(t *testing.T, db *gorm.DB, ledger *credits.Ledger, okCount, badCount int) (credits.Owner, *models.BulkJob) {
	t.Helper()
	user := models.User{Email: fmt.Sprintf("owner%d@test.example", workerDBSeq), Credits: 1000}
	require.NoError(t, db.Create(&user).Error)
	owner := credits.UserOwner(user.ID)

	var emails []string
	for i := 0; i < okCount; i++ {
		emails = append(emails, fmt.Sprintf("ok%d@corp.example", i))
	}
	for i := 0; i < badCount; i++ {
		emails = append(emails, fmt.Sprintf("gone%d@corp.example", i))
	}

	jobID := fmt.Sprintf("job-%d", workerDBSeq)
	_, err := ledger.Reserve(context.Background(), owner, int64(len(emails)), jobID, "bulk:"+jobID)
	require.NoError(t, err)

	job := models.BulkJob{
		JobID:  jobID,
		UserID: &user.ID,
		Status: "queued",
		Emails: strings.Join(emails, "\n"),
		Total:  len(emails),
	}
	require.NoError(t, db.Create(&job).Error)
	return owner, &job
}

func TestProcessJobEndToEnd(t *testing.T) {
	db, ledger, svc := testHarness(t)
	owner, job := seedJob(t, db, ledger, 60, 40)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	notifier := &recordingNotifier{}
	w := NewBulkWorker(db, svc, ledger, notifier, logger, time.Second, 10, 1)

	require.NoError(t, w.ProcessJob(context.Background(), job))

	var reloaded models.BulkJob
	require.NoError(t, db.Where("job_id = ?", job.JobID).First(&reloaded).Error)
	assert.Equal(t, "finished", reloaded.Status)
	assert.Equal(t, 100, reloaded.Processed)
	assert.Equal(t, 60, reloaded.Valid)
	assert.Equal(t, 40, reloaded.Invalid)
	assert.NotNil(t, reloaded.CompletedAt)

	// 100 probes at 1 credit each, settled against the reservation.
	var user models.User
	require.NoError(t, db.First(&user, owner.ID).Error)
	assert.Equal(t, int64(900), user.Credits)

	var lockedCount int64
	require.NoError(t, db.Model(&models.CreditReservation{}).
		Where("locked = ?", true).Count(&lockedCount).Error)
	assert.Equal(t, int64(0), lockedCount)

	var results int64
	require.NoError(t, db.Model(&models.VerificationResult{}).
		Where("job_id = ?", job.JobID).Count(&results).Error)
	assert.Equal(t, int64(100), results)

	final := notifier.last()
	assert.Equal(t, 100, final.Processed)
	assert.Equal(t, 100, final.Total)
	assert.Equal(t, 60, final.Valid)
	assert.Equal(t, 40, final.Invalid)
	assert.Equal(t, []string{"finished"}, notifier.finished)
}

func TestProcessJobCancelledReleasesReservations(t *testing.T) {
	db, ledger, svc := testHarness(t)
	owner, job := seedJob(t, db, ledger, 5, 5)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	notifier := &recordingNotifier{}
	w := NewBulkWorker(db, svc, ledger, notifier, logger, time.Second, 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.ProcessJob(ctx, job)
	require.Error(t, err)

	var reloaded models.BulkJob
	require.NoError(t, db.Where("job_id = ?", job.JobID).First(&reloaded).Error)
	assert.Equal(t, "failed", reloaded.Status)

	// Nothing charged, nothing left locked.
	var user models.User
	require.NoError(t, db.First(&user, owner.ID).Error)
	assert.Equal(t, int64(1000), user.Credits)

	available, aerr := ledger.Available(context.Background(), owner)
	require.NoError(t, aerr)
	assert.Equal(t, int64(1000), available)
}

func TestProcessJobPanicReleasesReservations(t *testing.T) {
	db, ledger, svc := testHarness(t)
	// Blow up mid-pipeline, after the probe has answered.
	svc.SetIPScorer(func(host string) int { panic("scorer exploded") })
	owner, job := seedJob(t, db, ledger, 5, 0)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w := NewBulkWorker(db, svc, ledger, &recordingNotifier{}, logger, time.Second, 2, 1)

	require.NoError(t, w.ProcessJob(context.Background(), job))

	var reloaded models.BulkJob
	require.NoError(t, db.Where("job_id = ?", job.JobID).First(&reloaded).Error)
	assert.Equal(t, "finished", reloaded.Status)
	assert.Equal(t, 0, reloaded.Valid)
	assert.Equal(t, 5, reloaded.Invalid)

	// None of the verifications completed, so nothing was charged and
	// the whole reservation came back.
	var user models.User
	require.NoError(t, db.First(&user, owner.ID).Error)
	assert.Equal(t, int64(1000), user.Credits)

	available, err := ledger.Available(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), available)
}

// longBackoff keeps every domain deferred so no probe ever runs.
type longBackoff struct{}

func (longBackoff) Delay(ctx context.Context, domain string) time.Duration { return time.Hour }
func (longBackoff) Increase(ctx context.Context, domain string)            {}
func (longBackoff) Clear(ctx context.Context, domain string)               {}

func TestProcessJobDeferredProbesNotCharged(t *testing.T) {
	db, ledger, svc := testHarnessWithBackoff(t, longBackoff{})
	owner, job := seedJob(t, db, ledger, 3, 2)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	w := NewBulkWorker(db, svc, ledger, &recordingNotifier{}, logger, time.Second, 4, 1)

	require.NoError(t, w.ProcessJob(context.Background(), job))

	var reloaded models.BulkJob
	require.NoError(t, db.Where("job_id = ?", job.JobID).First(&reloaded).Error)
	assert.Equal(t, "finished", reloaded.Status)
	assert.Equal(t, 5, reloaded.Processed)

	// No address was actually probed, so nothing is charged and the whole
	// reservation comes back.
	var user models.User
	require.NoError(t, db.First(&user, owner.ID).Error)
	assert.Equal(t, int64(1000), user.Credits)

	available, err := ledger.Available(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), available)

	var results int64
	require.NoError(t, db.Model(&models.VerificationResult{}).
		Where("job_id = ?", job.JobID).Count(&results).Error)
	assert.Equal(t, int64(0), results)
}

func TestSplitEmailsDeduplicates(t *testing.T) {
	got := splitEmails("a@x.com\nB@X.com\n\n a@x.com \nc@y.com")
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@y.com"}, got)
}
