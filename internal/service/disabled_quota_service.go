package service

import (
	"context"
	"math"

	"github.com/google/uuid"

	"storagequota/internal/domain"
)

// DisabledAccountant is used when quota enforcement is turned off. It grants
// every reservation and records nothing.
type DisabledAccountant struct{}

var _ Accountant = DisabledAccountant{}

func (DisabledAccountant) Reserve(_ context.Context, _ string, _ int64, _ string, _ int64) (string, error) {
	return uuid.NewString(), nil
}

func (DisabledAccountant) Commit(context.Context, string, string, int64) error { return nil }

func (DisabledAccountant) Release(context.Context, string, string) error { return nil }

func (DisabledAccountant) Debit(context.Context, string, int64) error { return nil }

func (DisabledAccountant) Usage(context.Context, string) (*domain.QuotaInfo, error) {
	return &domain.QuotaInfo{LimitBytes: math.MaxInt64}, nil
}
