package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagequota/internal/domain"
)

func TestMemoryLedger_Contract(t *testing.T) {
	ledger := NewMemoryLedger()
	runLedgerContract(t, ledger, func(t *testing.T, userID string, body map[string]interface{}) string {
		recordID := uuid.NewString()
		require.NoError(t, ledger.PutUser(userID, recordID, body))
		return recordID
	})
}

func TestMemoryLedger_RevisionAdvances(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.PutUser("u1", "r1", nil))

	rev, err := ledger.Revision("r1")
	require.NoError(t, err)
	assert.Equal(t, domain.Revision("1"), rev)

	doc, got, err := ledger.GetDocument(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rev, got)

	next, err := ledger.PutDocument(ctx, doc, got)
	require.NoError(t, err)
	assert.Equal(t, domain.Revision("2"), next)

	// Replacing a user bumps the revision so in-flight writers lose.
	require.NoError(t, ledger.PutUser("u1", "r1", map[string]interface{}{"x": 1}))
	_, err = ledger.PutDocument(ctx, doc, next)
	assert.ErrorIs(t, err, ErrRevisionConflict)
}

func TestMemoryLedger_DocumentsAreCopies(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.PutUser("u1", "r1", map[string]interface{}{"name": "a"}))

	doc, _, err := ledger.GetDocument(ctx, "r1")
	require.NoError(t, err)
	doc.Body["name"] = "mutated"

	again, _, err := ledger.GetDocument(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Body["name"])
}

func TestMemoryLedger_DeleteUser(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, ledger.PutUser("u1", "r1", nil))

	ledger.DeleteUser("u1")

	_, err := ledger.FindUserByID(ctx, "u1")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = ledger.PutDocument(ctx, &domain.Document{RecordID: "r1"}, "1")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = ledger.Revision("r1")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
