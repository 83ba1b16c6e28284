package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"storagequota/internal/domain"
)

var (
	// ErrUserNotFound is returned when an identifier does not resolve to a ledger record.
	ErrUserNotFound = errors.New("user not found")

	// ErrRevisionConflict is returned by PutDocument when the stored revision
	// no longer matches the expected one.
	ErrRevisionConflict = errors.New("document revision conflict")
)

// LedgerStore is a document store holding one record per user. Every
// successful PutDocument changes the record's revision.
type LedgerStore interface {
	FindUserByID(ctx context.Context, userID string) (*domain.UserRecord, error)
	GetDocument(ctx context.Context, recordID string) (*domain.Document, domain.Revision, error)
	PutDocument(ctx context.Context, doc *domain.Document, expected domain.Revision) (domain.Revision, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

func encodeBody(body map[string]interface{}) ([]byte, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// decodeBody keeps numbers as json.Number so large byte counts survive intact.
func decodeBody(data []byte) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) == 0 {
		return body, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, nil
}

// Ping checks that the store answers a lookup. A miss counts as healthy.
func Ping(ctx context.Context, store LedgerStore) error {
	_, err := store.FindUserByID(ctx, "__healthcheck__")
	if err == nil || errors.Is(err, ErrUserNotFound) {
		return nil
	}
	return err
}
