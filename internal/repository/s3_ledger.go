package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"storagequota/internal/domain"
	"storagequota/internal/service/s3"
)

const s3DocumentSuffix = ".json"

// S3Ledger keeps one JSON object per user at {prefix}{userID}.json. The
// object's ETag is the document revision and writes are If-Match conditional.
type S3Ledger struct {
	storage s3.Storage
	prefix  string
}

var _ LedgerStore = (*S3Ledger)(nil)

func NewS3Ledger(storage s3.Storage, prefix string) *S3Ledger {
	return &S3Ledger{storage: storage, prefix: prefix}
}

func (l *S3Ledger) objectKey(recordID string) string {
	return l.prefix + recordID + s3DocumentSuffix
}

func (l *S3Ledger) FindUserByID(ctx context.Context, userID string) (*domain.UserRecord, error) {
	if userID == "" || strings.Contains(userID, "/") {
		return nil, ErrUserNotFound
	}
	if _, err := l.storage.HeadObject(ctx, l.objectKey(userID)); err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user %s: %w", userID, err)
	}
	return &domain.UserRecord{UserID: userID, RecordID: userID}, nil
}

func (l *S3Ledger) GetDocument(ctx context.Context, recordID string) (*domain.Document, domain.Revision, error) {
	obj, err := l.storage.GetObject(ctx, l.objectKey(recordID))
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return nil, "", ErrUserNotFound
		}
		return nil, "", fmt.Errorf("failed to get document %s: %w", recordID, err)
	}

	body, err := decodeBody(obj.Data)
	if err != nil {
		return nil, "", err
	}
	return &domain.Document{RecordID: recordID, Body: body}, domain.Revision(obj.ETag), nil
}

func (l *S3Ledger) PutDocument(ctx context.Context, doc *domain.Document, expected domain.Revision) (domain.Revision, error) {
	if expected == "" {
		return "", ErrRevisionConflict
	}
	data, err := encodeBody(doc.Body)
	if err != nil {
		return "", err
	}

	etag, err := l.storage.PutObjectIfMatch(ctx, l.objectKey(doc.RecordID), data, string(expected))
	if err != nil {
		switch {
		case errors.Is(err, s3.ErrPreconditionFailed):
			return "", ErrRevisionConflict
		case errors.Is(err, s3.ErrObjectNotFound):
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("failed to put document %s: %w", doc.RecordID, err)
	}
	return domain.Revision(etag), nil
}

func (l *S3Ledger) ListUserIDs(ctx context.Context) ([]string, error) {
	keys, err := l.storage.ListKeys(ctx, l.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, l.prefix)
		if !strings.HasSuffix(id, s3DocumentSuffix) || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(id, s3DocumentSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateUser writes a new user document. It fails if the object already exists.
func (l *S3Ledger) CreateUser(ctx context.Context, userID string, body map[string]interface{}) (*domain.UserRecord, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if _, err := l.storage.PutObjectIfMatch(ctx, l.objectKey(userID), data, ""); err != nil {
		if errors.Is(err, s3.ErrPreconditionFailed) {
			return nil, fmt.Errorf("user %s already exists", userID)
		}
		return nil, fmt.Errorf("failed to create user %s: %w", userID, err)
	}
	return &domain.UserRecord{UserID: userID, RecordID: userID}, nil
}
