package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"storagequota/internal/domain"
)

// RedisLedger stores each user document in a hash {doc, rev}.
//
// Keys (with the default prefix "quota:"):
//
//	quota:user:{userID}  -> record id
//	quota:doc:{recordID} -> hash {doc, rev}
//	quota:users          -> set of user ids
type RedisLedger struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ LedgerStore = (*RedisLedger)(nil)

// RedisOption configures RedisLedger.
type RedisOption func(*RedisLedger)

// WithKeyPrefix sets the Redis key prefix (default "quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) { l.keyPrefix = prefix }
}

// NewRedisLedger creates a Redis-backed ledger. The client must be a connected
// *goredis.Client or *goredis.ClusterClient.
func NewRedisLedger(client goredis.Cmdable, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client:    client,
		keyPrefix: "quota:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) userKey(userID string) string  { return l.keyPrefix + "user:" + userID }
func (l *RedisLedger) docKey(recordID string) string { return l.keyPrefix + "doc:" + recordID }
func (l *RedisLedger) usersKey() string              { return l.keyPrefix + "users" }

// casScript replaces a document only when its revision matches. A hash with
// no rev field has the empty revision.
// KEYS[1] = document hash key
// ARGV[1] = expected revision
// ARGV[2] = new document
// ARGV[3] = new revision
//
// Returns:
//
//	1  = written
//	0  = revision mismatch
//	-1 = document missing
var casScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "doc") == 0 then
    return -1
end
local current = redis.call("HGET", KEYS[1], "rev") or ""
if current ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "doc", ARGV[2], "rev", ARGV[3])
return 1
`)

func (l *RedisLedger) FindUserByID(ctx context.Context, userID string) (*domain.UserRecord, error) {
	recordID, err := l.client.Get(ctx, l.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("redis ledger: find user: %w", err)
	}
	return &domain.UserRecord{UserID: userID, RecordID: recordID}, nil
}

func (l *RedisLedger) GetDocument(ctx context.Context, recordID string) (*domain.Document, domain.Revision, error) {
	vals, err := l.client.HMGet(ctx, l.docKey(recordID), "doc", "rev").Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis ledger: get document: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, "", ErrUserNotFound
	}

	data, _ := vals[0].(string)
	rev, _ := vals[1].(string)

	body, err := decodeBody([]byte(data))
	if err != nil {
		return nil, "", err
	}
	return &domain.Document{RecordID: recordID, Body: body}, domain.Revision(rev), nil
}

func (l *RedisLedger) PutDocument(ctx context.Context, doc *domain.Document, expected domain.Revision) (domain.Revision, error) {
	data, err := encodeBody(doc.Body)
	if err != nil {
		return "", err
	}

	next := uuid.NewString()
	result, err := casScript.Run(ctx, l.client,
		[]string{l.docKey(doc.RecordID)},
		string(expected), string(data), next,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("redis ledger: put document: %w", err)
	}

	switch result {
	case 1:
		return domain.Revision(next), nil
	case 0:
		return "", ErrRevisionConflict
	case -1:
		return "", ErrUserNotFound
	default:
		return "", fmt.Errorf("redis ledger: unexpected cas result: %d", result)
	}
}

func (l *RedisLedger) ListUserIDs(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger: list users: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateUser writes a new user document. Production users are created by the
// identity service; this exists for seeding and tests.
func (l *RedisLedger) CreateUser(ctx context.Context, userID string, body map[string]interface{}) (*domain.UserRecord, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	record := &domain.UserRecord{UserID: userID, RecordID: uuid.NewString()}
	_, err = l.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, l.docKey(record.RecordID), "doc", string(data), "rev", uuid.NewString())
		pipe.Set(ctx, l.userKey(userID), record.RecordID, 0)
		pipe.SAdd(ctx, l.usersKey(), userID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis ledger: create user: %w", err)
	}
	return record, nil
}
