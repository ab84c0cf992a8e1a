// Package scheduler drives active circles: a periodic sweep detects cycles
// that are due (fully collected or past deadline), triggers the payout and
// advances the circle. Distinct circles are evaluated concurrently; the
// same circle is never evaluated twice at once.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/circle"
	"github.com/koredeycode/contri-api/internal/contribution"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/payout"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Scheduler struct {
	db              *gorm.DB
	circles         *circle.Service
	contrib         *contribution.Service
	engine          *payout.Engine
	interval        time.Duration
	requireFull     bool
	cancelOnFailure bool

	mu       sync.Mutex
	inflight map[uint]struct{}
}

type Options struct {
	Interval              time.Duration
	RequireFullCollection bool
	CancelOnPayoutFailure bool
}

func New(db *gorm.DB, c *circle.Service, t *contribution.Service, e *payout.Engine, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Scheduler{
		db:              db,
		circles:         c,
		contrib:         t,
		engine:          e,
		interval:        opts.Interval,
		requireFull:     opts.RequireFullCollection,
		cancelOnFailure: opts.CancelOnPayoutFailure,
		inflight:        map[uint]struct{}{},
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logger.Log.Info("cycle scheduler running", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("cycle scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evaluates every active circle once, in parallel, and waits for the
// pass to finish.
func (s *Scheduler) Sweep(ctx context.Context) {
	var active []models.Circle
	err := s.db.WithContext(ctx).
		Where("status = ? AND needs_intervention = ?", models.CircleActive, false).
		Find(&active).Error
	if err != nil {
		logger.Log.Error("scheduler failed to list active circles", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for i := range active {
		c := active[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.evaluate(ctx, c)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) tryAcquire(circleID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[circleID]; busy {
		return false
	}
	s.inflight[circleID] = struct{}{}
	return true
}

func (s *Scheduler) release(circleID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, circleID)
}

// evaluate decides whether the circle's current cycle is due and, if so,
// runs payout then advance. Single-flight per circle: a slow payout on one
// sweep makes the next sweep skip that circle instead of doubling up.
func (s *Scheduler) evaluate(ctx context.Context, c models.Circle) {
	if !s.tryAcquire(c.ID) {
		return
	}
	defer s.release(c.ID)

	if c.CycleStart == nil {
		logger.Log.Error("active circle has no cycle start",
			zap.Uint("circle_id", c.ID))
		return
	}
	cycle := c.CurrentCycle

	allPaid, err := s.contrib.AllPaid(ctx, c.ID, cycle)
	if err != nil {
		logger.Log.Error("scheduler failed to check contributions",
			zap.Uint("circle_id", c.ID), zap.Error(err))
		return
	}
	deadline := c.Frequency.Deadline(*c.CycleStart, cycle)
	deadlinePassed := time.Now().After(deadline)

	if !allPaid && deadlinePassed {
		if _, err := s.contrib.MarkLate(ctx, c.ID, cycle); err != nil {
			logger.Log.Error("scheduler failed to mark late contributions",
				zap.Uint("circle_id", c.ID), zap.Error(err))
			return
		}
	}

	due := allPaid || (deadlinePassed && !s.requireFull)
	if !due {
		return
	}

	if _, err := s.engine.Payout(ctx, c.ID, cycle); err != nil {
		s.handlePayoutFailure(ctx, c.ID, err)
		return
	}

	if _, err := s.circles.AdvanceCycle(ctx, c.ID); err != nil {
		logger.Log.Error("scheduler failed to advance cycle",
			zap.Uint("circle_id", c.ID), zap.Int("cycle", cycle), zap.Error(err))
	}
}

// handlePayoutFailure reacts to an exhausted payout: the circle is already
// flagged for intervention by the engine; policy may additionally cancel it
// so pooled funds flow back to contributors.
func (s *Scheduler) handlePayoutFailure(ctx context.Context, circleID uint, err error) {
	logger.Log.Error("payout failed, cycle not advanced",
		zap.Uint("circle_id", circleID), zap.Error(err))

	if !apperr.IsKind(err, apperr.KindTransient) || !s.cancelOnFailure {
		return
	}
	if cancelErr := s.circles.Cancel(ctx, 0, circleID); cancelErr != nil {
		logger.Log.Error("failed to cancel circle after payout exhaustion",
			zap.Uint("circle_id", circleID), zap.Error(cancelErr))
	}
}
