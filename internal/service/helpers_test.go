package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storagequota/internal/domain"
	"storagequota/internal/repository"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, ledger repository.LedgerStore, opts ...Option) (*StorageQuotaService, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []Option{WithClock(clock.Now), WithRetryPolicy(DefaultMaxAttempts, time.Millisecond)}
	return NewStorageQuotaService(ledger, 512, append(base, opts...)...), clock
}

// seedUser stores a user whose record id is "rec-"+userID.
func seedUser(t *testing.T, ledger *repository.MemoryLedger, userID string, quota interface{}) string {
	t.Helper()
	body := map[string]interface{}{"email": userID + "@example.com"}
	if quota != nil {
		body[domain.QuotaField] = quota
	}
	recordID := "rec-" + userID
	require.NoError(t, ledger.PutUser(userID, recordID, body))
	return recordID
}

func quotaWithLimit(limit, burst int64) map[string]interface{} {
	return map[string]interface{}{
		"limit_bytes":    limit,
		"burst_bytes":    burst,
		"used_bytes":     0,
		"reserved_bytes": 0,
		"updated_at":     testNow.Add(-time.Hour).Format(time.RFC3339Nano),
		"reservations":   map[string]interface{}{},
	}
}

func readDocument(t *testing.T, ledger *repository.MemoryLedger, recordID string) *domain.Document {
	t.Helper()
	doc, _, err := ledger.GetDocument(context.Background(), recordID)
	require.NoError(t, err)
	return doc
}

func readQuota(t *testing.T, ledger *repository.MemoryLedger, recordID string) *domain.StorageQuota {
	t.Helper()
	doc := readDocument(t, ledger, recordID)
	data, err := json.Marshal(doc.Body[domain.QuotaField])
	require.NoError(t, err)

	var q domain.StorageQuota
	require.NoError(t, json.Unmarshal(data, &q))
	return &q
}

func revisionOf(t *testing.T, ledger *repository.MemoryLedger, recordID string) domain.Revision {
	t.Helper()
	rev, err := ledger.Revision(recordID)
	require.NoError(t, err)
	return rev
}
