package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"storagequota/internal/domain"
)

// MemoryLedger is an in-process LedgerStore used for development and tests.
// Documents are stored encoded so callers never share maps with the store.
type MemoryLedger struct {
	mu    sync.RWMutex
	users map[string]string // user id -> record id
	docs  map[string]*memoryDocument
}

type memoryDocument struct {
	data     []byte
	revision uint64
}

var _ LedgerStore = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		users: make(map[string]string),
		docs:  make(map[string]*memoryDocument),
	}
}

// PutUser creates or replaces a user document. It stands in for the identity
// subsystem, which owns user records.
func (l *MemoryLedger) PutUser(userID, recordID string, body map[string]interface{}) error {
	data, err := encodeBody(body)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rev := uint64(1)
	if existing, ok := l.docs[recordID]; ok {
		rev = existing.revision + 1
	}
	l.users[userID] = recordID
	l.docs[recordID] = &memoryDocument{data: data, revision: rev}
	return nil
}

// DeleteUser removes a user and its document.
func (l *MemoryLedger) DeleteUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if recordID, ok := l.users[userID]; ok {
		delete(l.docs, recordID)
		delete(l.users, userID)
	}
}

func (l *MemoryLedger) FindUserByID(_ context.Context, userID string) (*domain.UserRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recordID, ok := l.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &domain.UserRecord{UserID: userID, RecordID: recordID}, nil
}

func (l *MemoryLedger) GetDocument(_ context.Context, recordID string) (*domain.Document, domain.Revision, error) {
	l.mu.RLock()
	stored, ok := l.docs[recordID]
	var (
		data []byte
		rev  uint64
	)
	if ok {
		data, rev = stored.data, stored.revision
	}
	l.mu.RUnlock()

	if !ok {
		return nil, "", ErrUserNotFound
	}

	body, err := decodeBody(data)
	if err != nil {
		return nil, "", err
	}
	return &domain.Document{RecordID: recordID, Body: body}, formatRevision(rev), nil
}

func (l *MemoryLedger) PutDocument(_ context.Context, doc *domain.Document, expected domain.Revision) (domain.Revision, error) {
	data, err := encodeBody(doc.Body)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.docs[doc.RecordID]
	if !ok {
		return "", ErrUserNotFound
	}
	if formatRevision(stored.revision) != expected {
		return "", ErrRevisionConflict
	}

	stored.data = data
	stored.revision++
	return formatRevision(stored.revision), nil
}

func (l *MemoryLedger) ListUserIDs(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.users))
	for id := range l.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Revision returns the current revision of a record, for tests and diagnostics.
func (l *MemoryLedger) Revision(recordID string) (domain.Revision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stored, ok := l.docs[recordID]
	if !ok {
		return "", fmt.Errorf("record %s: %w", recordID, ErrUserNotFound)
	}
	return formatRevision(stored.revision), nil
}

func formatRevision(rev uint64) domain.Revision {
	return domain.Revision(strconv.FormatUint(rev, 10))
}
