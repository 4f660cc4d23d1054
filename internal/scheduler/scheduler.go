// Package scheduler periodically scans active tests and publishes the jobs
// that keep them moving: rotations when a variant's interval has elapsed,
// and stops when a test reaches its end date.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Repository defines the interface for test lookups
type Repository interface {
	ListTestsByState(ctx context.Context, state models.TestState) ([]*models.Test, error)
}

// RotationPlanner reports when a test is next due for a rotation
type RotationPlanner interface {
	NextRotationTime(ctx context.Context, testID string) (time.Time, error)
}

// JobPublisher defines the interface for publishing jobs to the queue
type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// Scheduler drives periodic scans over active tests
type Scheduler struct {
	repo      Repository
	planner   RotationPlanner
	publisher JobPublisher
	interval  time.Duration
	logger    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(repo Repository, planner RotationPlanner, publisher JobPublisher, interval time.Duration, logger *logging.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		repo:      repo,
		planner:   planner,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scan loop
func (s *Scheduler) Start() {
	go s.scanLoop()
	s.logger.Infof("Scheduler started, scanning every %s", s.interval)
}

// Stop stops the scan loop
func (s *Scheduler) Stop() {
	s.cancel()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) scanLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Scan(s.ctx)
		}
	}
}

// Scan runs one pass over all active tests, publishing stop jobs for tests
// past their end date and rotation jobs for tests whose rotation is due
func (s *Scheduler) Scan(ctx context.Context) {
	metrics.SchedulerScansTotal.Inc()

	tests, err := s.repo.ListTestsByState(ctx, models.TestStateActive)
	if err != nil {
		s.logger.ErrorWithErr("Scheduler scan failed to list active tests", err)
		return
	}

	now := s.now()
	for _, test := range tests {
		if test.EndsAt != nil && now.After(*test.EndsAt) {
			s.publish(ctx, test.ID, models.JobKindStop)
			continue
		}

		next, err := s.planner.NextRotationTime(ctx, test.ID)
		if err != nil {
			s.logger.WithTestID(test.ID).ErrorWithErr("Failed to compute next rotation time", err)
			continue
		}

		if !now.Before(next) {
			s.publish(ctx, test.ID, models.JobKindRotate)
			// Refresh metrics once the rotation lands
			s.publish(ctx, test.ID, models.JobKindCollect)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, testID string, kind models.JobKind) {
	job := &models.Job{
		ID:         uuid.New().String(),
		TestID:     testID,
		Kind:       kind,
		EnqueuedAt: s.now(),
	}

	if err := s.publisher.PublishJob(ctx, job); err != nil {
		s.logger.WithTestID(testID).WithField("kind", string(kind)).
			ErrorWithErr("Failed to publish job", err)
		return
	}

	metrics.RecordJobPublished(string(kind))
	s.logger.WithTestID(testID).WithField("kind", string(kind)).Debug("Job published")
}
