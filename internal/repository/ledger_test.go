package repository

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagequota/internal/domain"
)

// userCreator seeds a user document and returns its record id.
type userCreator func(t *testing.T, userID string, body map[string]interface{}) string

// runLedgerContract checks the behaviour every LedgerStore must share.
func runLedgerContract(t *testing.T, store LedgerStore, create userCreator) {
	ctx := context.Background()

	t.Run("find unknown user", func(t *testing.T) {
		_, err := store.FindUserByID(ctx, "nobody")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("round trip preserves foreign fields", func(t *testing.T) {
		recordID := create(t, "alice", map[string]interface{}{
			"email": "alice@example.com",
			"quota": map[string]interface{}{"limit_bytes": 1000, "used_bytes": 10},
		})

		rec, err := store.FindUserByID(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, recordID, rec.RecordID)

		doc, rev, err := store.GetDocument(ctx, rec.RecordID)
		require.NoError(t, err)
		assert.NotEmpty(t, rev)
		assert.Equal(t, "alice@example.com", doc.Body["email"])

		quota, ok := doc.Body[domain.QuotaField].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, json.Number("1000"), quota["limit_bytes"])

		quota["used_bytes"] = 20
		next, err := store.PutDocument(ctx, doc, rev)
		require.NoError(t, err)
		assert.NotEqual(t, rev, next)

		again, rev2, err := store.GetDocument(ctx, rec.RecordID)
		require.NoError(t, err)
		assert.Equal(t, next, rev2)
		assert.Equal(t, "alice@example.com", again.Body["email"])
		assert.Equal(t, json.Number("20"), again.Body[domain.QuotaField].(map[string]interface{})["used_bytes"])
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		recordID := create(t, "bob", map[string]interface{}{"name": "bob"})

		doc, rev, err := store.GetDocument(ctx, recordID)
		require.NoError(t, err)

		_, err = store.PutDocument(ctx, doc, rev)
		require.NoError(t, err)

		_, err = store.PutDocument(ctx, doc, rev)
		assert.ErrorIs(t, err, ErrRevisionConflict)
	})

	t.Run("missing document", func(t *testing.T) {
		_, _, err := store.GetDocument(ctx, "0000000000000000deadbeef")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("concurrent writers single winner", func(t *testing.T) {
		recordID := create(t, "carol", map[string]interface{}{})

		_, rev, err := store.GetDocument(ctx, recordID)
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			wins int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				doc := &domain.Document{RecordID: recordID, Body: map[string]interface{}{"writer": i}}
				if _, err := store.PutDocument(ctx, doc, rev); err == nil {
					atomic.AddInt32(&wins, 1)
				} else {
					assert.ErrorIs(t, err, ErrRevisionConflict)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("list users", func(t *testing.T) {
		ids, err := store.ListUserIDs(ctx)
		require.NoError(t, err)
		assert.Subset(t, ids, []string{"alice", "bob", "carol"})
		assert.IsNonDecreasing(t, ids)
	})
}

func TestEncodeDecodeBody(t *testing.T) {
	data, err := encodeBody(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	body, err := decodeBody([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, body)

	body, err = decodeBody([]byte(`{"n": 9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), body["n"])

	_, err = decodeBody([]byte(`[1,2]`))
	assert.Error(t, err)

	body, err = decodeBody([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, body)
}
