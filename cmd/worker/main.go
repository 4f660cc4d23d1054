package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/cache"
	"github.com/creatorbackoffice/splittest/internal/collector"
	"github.com/creatorbackoffice/splittest/internal/config"
	"github.com/creatorbackoffice/splittest/internal/database"
	"github.com/creatorbackoffice/splittest/internal/lifecycle"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/internal/queue"
	"github.com/creatorbackoffice/splittest/internal/rotation"
	"github.com/creatorbackoffice/splittest/internal/scheduler"
	"github.com/creatorbackoffice/splittest/internal/winner"
	"github.com/creatorbackoffice/splittest/internal/youtube"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// schedulerActor names the scheduler in audit entries for automated actions
const schedulerActor = "scheduler"

// worker executes the jobs the scheduler publishes
type worker struct {
	lifecycle *lifecycle.Engine
	rotator   *rotation.Rotator
	collector *collector.Collector
	selector  *winner.Selector
	repo      *database.Repository
	logger    *logging.Logger
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := youtube.TokenSource(ctx, cfg.YouTube)

	ytClient, err := youtube.NewClient(ctx, cfg.YouTube, tokens, logger)
	if err != nil {
		logger.Fatalf("Failed to create YouTube client: %v", err)
	}

	analytics, err := youtube.NewAnalyticsClient(ctx, tokens, logger)
	if err != nil {
		logger.Fatalf("Failed to create analytics client: %v", err)
	}

	rotator := rotation.NewRotator(repo, ytClient, redisCache, cfg.ABTest.LockTTL, logger)
	engine := lifecycle.NewEngine(repo, rotator, redisCache, cfg.ABTest.LockTTL, logger)
	coll := collector.NewCollector(repo, analytics, nil, logger)
	selector := winner.NewSelector(repo, ytClient, redisCache, cfg.ABTest, logger)

	w := &worker{
		lifecycle: engine,
		rotator:   rotator,
		collector: coll,
		selector:  selector,
		repo:      repo,
		logger:    logger,
	}

	sched := scheduler.NewScheduler(repo, rotator, q, cfg.ABTest.ScanInterval, logger)
	sched.Start()
	defer sched.Stop()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port + 1)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	go reportQueueDepth(ctx, q)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	logger.Info("Worker started, waiting for jobs...")
	if err := q.ConsumeJobs(ctx, func(job *models.Job) error {
		return w.handle(ctx, job)
	}); err != nil {
		logger.Fatalf("Failed to consume jobs: %v", err)
	}

	<-ctx.Done()
	logger.Info("Worker stopped")
}

// handle dispatches one job. A permanent failure returns nil so the message
// is not requeued; transient failures return the error for redelivery.
func (w *worker) handle(ctx context.Context, job *models.Job) error {
	log := w.logger.WithTestID(job.TestID).WithField("job_id", job.ID).WithField("kind", string(job.Kind))
	log.Info("Processing job")

	var err error
	switch job.Kind {
	case models.JobKindRotate:
		_, err = w.rotator.Rotate(ctx, job.TestID, schedulerActor)
	case models.JobKindCollect:
		_, err = w.collector.Collect(ctx, job.TestID)
	case models.JobKindStop:
		err = w.stop(ctx, job.TestID)
	default:
		log.Warn("Unknown job kind, dropping")
		return nil
	}

	if err != nil {
		if permanent(err) {
			log.ErrorWithErr("Job failed permanently, dropping", err)
			return nil
		}
		log.ErrorWithErr("Job failed, requeueing", err)
		return err
	}

	log.Info("Job processed")
	return nil
}

// stop completes a test that reached its end date and, when the test opted
// in, selects and applies the winner
func (w *worker) stop(ctx context.Context, testID string) error {
	test, err := w.lifecycle.Stop(ctx, testID, schedulerActor)
	if err != nil {
		return err
	}

	if !test.AutoSelectWinner {
		return nil
	}

	if _, err := w.selector.SelectWinner(ctx, testID, "", schedulerActor); err != nil {
		if errors.Is(err, abtest.ErrNoWinner) {
			w.logger.WithTestID(testID).Info("Test ended without a clear winner")
			return nil
		}
		return err
	}

	if _, err := w.selector.ApplyWinner(ctx, testID, schedulerActor); err != nil {
		return err
	}

	return nil
}

// reportQueueDepth samples the queue backlog into the depth gauge
func reportQueueDepth(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := q.GetQueueDepth(); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

// permanent reports whether the failure cannot succeed on redelivery
func permanent(err error) bool {
	if abtest.IsNotFound(err) || abtest.IsInvalidState(err) || abtest.IsValidation(err) {
		return true
	}

	var upstream *abtest.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Kind {
		case abtest.UpstreamNotFound, abtest.UpstreamQuotaExceeded:
			return true
		}
	}

	return false
}
