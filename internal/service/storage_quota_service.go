package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storagequota/internal/domain"
	"storagequota/internal/pkg/logger"
	"storagequota/internal/repository"
)

const (
	bytesPerMB = 1024 * 1024

	DefaultReservationTTL = 1800 * time.Second
	DefaultMaxAttempts    = 5
	DefaultRetryBackoff   = 50 * time.Millisecond
)

// Accountant is the quota surface used by upload, finalize, cleanup, delete
// and UI handlers.
type Accountant interface {
	Reserve(ctx context.Context, userID string, sizeBytes int64, storageKey string, ttlSeconds int64) (string, error)
	Commit(ctx context.Context, userID, reservationID string, actualSizeBytes int64) error
	Release(ctx context.Context, userID, reservationID string) error
	Debit(ctx context.Context, userID string, sizeBytes int64) error
	Usage(ctx context.Context, userID string) (*domain.QuotaInfo, error)
}

// quotaMutation edits the healed quota in place and reports whether it
// changed anything. It must not have side effects outside q: it can run once
// per attempt.
type quotaMutation func(q *domain.StorageQuota, now time.Time) (bool, error)

type StorageQuotaService struct {
	ledger       repository.LedgerStore
	defaultLimit int64
	maxAttempts  int
	backoff      time.Duration
	now          func() time.Time
}

var _ Accountant = (*StorageQuotaService)(nil)

type Option func(*StorageQuotaService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *StorageQuotaService) { s.now = now }
}

// WithRetryPolicy sets the number of conditional-write attempts and the base
// backoff; attempt n sleeps n*backoff before retrying.
func WithRetryPolicy(maxAttempts int, backoff time.Duration) Option {
	return func(s *StorageQuotaService) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// NewStorageQuotaService creates the enforcing accountant. defaultQuotaMB is
// the limit given to users whose quota is missing or unreadable.
func NewStorageQuotaService(ledger repository.LedgerStore, defaultQuotaMB int64, opts ...Option) *StorageQuotaService {
	defaultLimit := int64(math.MaxInt64)
	switch {
	case defaultQuotaMB < 0:
		defaultLimit = 0
	case defaultQuotaMB <= math.MaxInt64/bytesPerMB:
		defaultLimit = defaultQuotaMB * bytesPerMB
	}
	s := &StorageQuotaService{
		ledger:       ledger,
		defaultLimit: defaultLimit,
		maxAttempts:  DefaultMaxAttempts,
		backoff:      DefaultRetryBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultLimitBytes returns the limit applied to fresh quota records.
func (s *StorageQuotaService) DefaultLimitBytes() int64 {
	return s.defaultLimit
}

func (s *StorageQuotaService) Reserve(ctx context.Context, userID string, sizeBytes int64, storageKey string, ttlSeconds int64) (string, error) {
	if sizeBytes <= 0 {
		return "", ErrInvalidSize
	}
	ttl := DefaultReservationTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	reservationID := uuid.NewString()
	err := s.updateQuota(ctx, "reserve", userID, func(q *domain.StorageQuota, now time.Time) (bool, error) {
		if sizeBytes > q.Remaining() {
			return false, &QuotaExceededError{
				Remaining: q.Remaining(),
				Limit:     q.LimitBytes,
				Burst:     q.BurstBytes,
				Used:      q.UsedBytes,
				Reserved:  q.ReservedBytes,
				Requested: sizeBytes,
			}
		}
		q.Reservations[reservationID] = domain.Reservation{
			Size:      sizeBytes,
			Key:       storageKey,
			ExpiresAt: now.Add(ttl),
		}
		q.ReservedBytes = domain.SaturatingAdd(q.ReservedBytes, sizeBytes)
		return true, nil
	})

	switch {
	case err == nil:
		reservationsTotal.WithLabelValues("granted").Inc()
		return reservationID, nil
	case errors.Is(err, ErrQuotaExceeded):
		reservationsTotal.WithLabelValues("exceeded").Inc()
		logger.Debug("reservation rejected", zap.String("user_id", userID), zap.Error(err))
	case errors.Is(err, ErrConcurrencyConflict):
		reservationsTotal.WithLabelValues("conflict").Inc()
	default:
		reservationsTotal.WithLabelValues("error").Inc()
	}
	return "", err
}

func (s *StorageQuotaService) Commit(ctx context.Context, userID, reservationID string, actualSizeBytes int64) error {
	err := s.updateQuota(ctx, "commit", userID, func(q *domain.StorageQuota, _ time.Time) (bool, error) {
		reserved := q.Reservations[reservationID].Size
		q.ReservedBytes = max(0, q.ReservedBytes-reserved)
		q.UsedBytes = max(0, domain.SaturatingAdd(q.UsedBytes, actualSizeBytes))
		delete(q.Reservations, reservationID)
		return true, nil
	})
	if err != nil {
		return err
	}
	commitsTotal.Inc()
	return nil
}

func (s *StorageQuotaService) Release(ctx context.Context, userID, reservationID string) error {
	err := s.updateQuota(ctx, "release", userID, func(q *domain.StorageQuota, _ time.Time) (bool, error) {
		r, ok := q.Reservations[reservationID]
		if !ok {
			return false, nil
		}
		q.ReservedBytes = max(0, q.ReservedBytes-r.Size)
		delete(q.Reservations, reservationID)
		return true, nil
	})
	if errors.Is(err, ErrUserNotFound) {
		logger.Debug("release for unknown user ignored",
			zap.String("user_id", userID), zap.String("reservation_id", reservationID))
		return nil
	}
	return err
}

func (s *StorageQuotaService) Debit(ctx context.Context, userID string, sizeBytes int64) error {
	if sizeBytes < 0 {
		return ErrInvalidSize
	}
	if sizeBytes == 0 {
		return nil
	}

	err := s.updateQuota(ctx, "debit", userID, func(q *domain.StorageQuota, _ time.Time) (bool, error) {
		q.UsedBytes = max(0, q.UsedBytes-sizeBytes)
		return true, nil
	})
	if errors.Is(err, ErrUserNotFound) {
		logger.Debug("debit for unknown user ignored", zap.String("user_id", userID))
		return nil
	}
	return err
}

// Usage never writes. A malformed quota is healed in memory for the report.
func (s *StorageQuotaService) Usage(ctx context.Context, userID string) (*domain.QuotaInfo, error) {
	rec, err := s.ledger.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return s.emptyUsage(), nil
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	doc, _, err := s.ledger.GetDocument(ctx, rec.RecordID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return s.emptyUsage(), nil
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}

	q, _ := healQuota(doc.Body[domain.QuotaField], s.defaultLimit, s.now().UTC())
	return usageOf(q), nil
}

// ReleaseExpired drops every reservation that expired at or before now and
// returns how many were released. Unknown users release nothing.
func (s *StorageQuotaService) ReleaseExpired(ctx context.Context, userID string, now time.Time) (int, error) {
	var released int
	err := s.updateQuota(ctx, "release_expired", userID, func(q *domain.StorageQuota, _ time.Time) (bool, error) {
		released = 0
		for id, r := range q.Reservations {
			if r.ExpiresAt.After(now) {
				continue
			}
			q.ReservedBytes = max(0, q.ReservedBytes-r.Size)
			delete(q.Reservations, id)
			released++
		}
		return released > 0, nil
	})
	if errors.Is(err, ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return released, nil
}

func (s *StorageQuotaService) emptyUsage() *domain.QuotaInfo {
	return &domain.QuotaInfo{LimitBytes: s.defaultLimit}
}

func usageOf(q *domain.StorageQuota) *domain.QuotaInfo {
	info := &domain.QuotaInfo{
		UsedBytes:     q.UsedBytes,
		ReservedBytes: q.ReservedBytes,
		LimitBytes:    q.LimitBytes,
		BurstBytes:    q.BurstBytes,
		Tier:          q.Tier,
	}
	if capacity := q.Capacity(); capacity > 0 {
		ratio := (float64(q.UsedBytes) + float64(q.ReservedBytes)) * 100 / float64(capacity)
		info.Percent = int64(math.Round(math.Min(100, ratio)))
	}
	return info
}

// updateQuota runs one read-heal-mutate-write cycle per attempt, retrying
// only on revision conflicts.
func (s *StorageQuotaService) updateQuota(ctx context.Context, op, userID string, mutate quotaMutation) error {
	rec, err := s.ledger.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to find user: %w", err)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		doc, rev, err := s.ledger.GetDocument(ctx, rec.RecordID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("failed to get quota: %w", err)
		}

		now := s.now().UTC()
		q, healed := healQuota(doc.Body[domain.QuotaField], s.defaultLimit, now)
		changed, err := mutate(q, now)
		if err != nil {
			return err
		}
		if !changed && !healed {
			return nil
		}
		if changed {
			q.UpdatedAt = now
		}

		if doc.Body == nil {
			doc.Body = map[string]interface{}{}
		}
		doc.Body[domain.QuotaField] = q

		_, err = s.ledger.PutDocument(ctx, doc, rev)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		if !errors.Is(err, repository.ErrRevisionConflict) {
			return fmt.Errorf("failed to update quota: %w", err)
		}

		casConflictsTotal.WithLabelValues(op).Inc()
		logger.Debug("quota revision conflict",
			zap.String("op", op), zap.String("user_id", userID), zap.Int("attempt", attempt))

		if attempt == s.maxAttempts {
			break
		}
		timer := time.NewTimer(s.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	logger.Warn("quota update gave up after conflicts",
		zap.String("op", op), zap.String("user_id", userID), zap.Int("attempts", s.maxAttempts))
	return ErrConcurrencyConflict
}
