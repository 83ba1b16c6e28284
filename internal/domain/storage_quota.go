package domain

import (
	"math"
	"time"
)

// QuotaField is the key of the quota sub-document inside a user document.
const QuotaField = "quota"

// StorageQuota is the quota sub-structure embedded in a user's ledger document.
type StorageQuota struct {
	Tier          *string                `json:"tier,omitempty"`
	LimitBytes    int64                  `json:"limit_bytes"`
	BurstBytes    int64                  `json:"burst_bytes"`
	UsedBytes     int64                  `json:"used_bytes"`
	ReservedBytes int64                  `json:"reserved_bytes"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Reservations  map[string]Reservation `json:"reservations"`
}

// Reservation is a provisional hold on bytes for an upload in flight.
type Reservation struct {
	Size      int64     `json:"size"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Capacity returns limit plus burst, saturating at math.MaxInt64.
func (q *StorageQuota) Capacity() int64 {
	return SaturatingAdd(q.LimitBytes, q.BurstBytes)
}

// Remaining returns how many bytes can still be reserved, never negative.
func (q *StorageQuota) Remaining() int64 {
	remaining := SaturatingSub(SaturatingSub(q.Capacity(), q.UsedBytes), q.ReservedBytes)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SaturatingAdd returns a+b clamped to the int64 range.
func SaturatingAdd(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

// SaturatingSub returns a-b clamped to the int64 range.
func SaturatingSub(a, b int64) int64 {
	switch {
	case b < 0 && a > math.MaxInt64+b:
		return math.MaxInt64
	case b > 0 && a < math.MinInt64+b:
		return math.MinInt64
	}
	return a - b
}

// QuotaInfo is the read-only usage snapshot shown to the UI.
type QuotaInfo struct {
	UsedBytes     int64   `json:"used_bytes"`
	ReservedBytes int64   `json:"reserved_bytes"`
	LimitBytes    int64   `json:"limit_bytes"`
	BurstBytes    int64   `json:"burst_bytes"`
	Percent       int64   `json:"percent"`
	Tier          *string `json:"tier,omitempty"`
}

// UserRecord maps an external user identifier to its ledger record.
type UserRecord struct {
	UserID   string `json:"user_id"`
	RecordID string `json:"record_id"`
}

// Document is a whole user document as stored in the ledger. Body is the
// decoded JSON object; only Body[QuotaField] belongs to the quota service.
type Document struct {
	RecordID string
	Body     map[string]interface{}
}

// Revision is the opaque token a ledger store hands out on every write.
type Revision string
