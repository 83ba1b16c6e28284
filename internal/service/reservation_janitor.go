package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"storagequota/internal/pkg/logger"
)

// expiredReleaser is the part of StorageQuotaService the janitor drives.
type expiredReleaser interface {
	ReleaseExpired(ctx context.Context, userID string, now time.Time) (int, error)
}

type userLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// ReservationJanitor periodically releases expired reservations for every
// user, one pool task per user.
type ReservationJanitor struct {
	releaser expiredReleaser
	users    userLister
	pool     *ants.Pool
	log      *zap.Logger
	now      func() time.Time
}

// NewReservationJanitor creates a janitor with a pool of the given size.
func NewReservationJanitor(releaser expiredReleaser, users userLister, workers int) (*ReservationJanitor, error) {
	if workers <= 0 {
		workers = 1
	}

	log := logger.Named("janitor")
	panicHandler := func(p interface{}) {
		log.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	pool, err := ants.NewPool(workers,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create janitor pool: %w", err)
	}

	return &ReservationJanitor{
		releaser: releaser,
		users:    users,
		pool:     pool,
		log:      log,
		now:      time.Now,
	}, nil
}

// Sweep runs one pass over all users and returns the number of released
// reservations. Per-user failures are logged and joined into the error.
func (j *ReservationJanitor) Sweep(ctx context.Context) (int, error) {
	ids, err := j.users.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	now := j.now()
	var (
		wg       sync.WaitGroup
		released atomic.Int64
		mu       sync.Mutex
		errs     []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		userID := id
		wg.Add(1)
		err := j.pool.Submit(func() {
			defer wg.Done()
			n, err := j.releaser.ReleaseExpired(ctx, userID, now)
			if err != nil {
				j.log.Warn("failed to release expired reservations",
					zap.String("user_id", userID), zap.Error(err))
				record(fmt.Errorf("user %s: %w", userID, err))
				return
			}
			released.Add(int64(n))
		})
		if err != nil {
			wg.Done()
			record(fmt.Errorf("user %s: %w", userID, err))
		}
	}
	wg.Wait()

	total := int(released.Load())
	janitorReleasedTotal.Add(float64(total))
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return total, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the janitor.
func (j *ReservationJanitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.log.Info("Disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := j.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				j.log.Error("Sweep failed", zap.Error(err))
			}
			j.log.Info("Sweep finished",
				zap.Int("released", n),
				zap.Duration("took", time.Since(start)),
			)
		}
	}
}

// Close releases the worker pool.
func (j *ReservationJanitor) Close() {
	j.pool.Release()
}
