package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"storagequota/internal/domain"
)

const (
	mongoIDField       = "_id"
	mongoRevisionField = "_rev"
	mongoUserIDField   = "user_id"
)

// MongoLedger stores user documents in a MongoDB collection. The revision
// lives in the reserved _rev field and is swapped by a filtered ReplaceOne.
type MongoLedger struct {
	coll *mongo.Collection
}

var _ LedgerStore = (*MongoLedger)(nil)

func NewMongoLedger(coll *mongo.Collection) *MongoLedger {
	return &MongoLedger{coll: coll}
}

// recordFilter matches either an ObjectID or a plain string _id.
func recordFilter(recordID string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(recordID); err == nil {
		return bson.M{mongoIDField: oid}
	}
	return bson.M{mongoIDField: recordID}
}

func recordIDString(id interface{}) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (l *MongoLedger) FindUserByID(ctx context.Context, userID string) (*domain.UserRecord, error) {
	opts := options.FindOne().SetProjection(bson.M{mongoIDField: 1})

	var raw bson.M
	err := l.coll.FindOne(ctx, bson.M{mongoUserIDField: userID}, opts).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("mongo ledger: find user: %w", err)
	}
	return &domain.UserRecord{UserID: userID, RecordID: recordIDString(raw[mongoIDField])}, nil
}

func (l *MongoLedger) GetDocument(ctx context.Context, recordID string) (*domain.Document, domain.Revision, error) {
	var raw bson.M
	if err := l.coll.FindOne(ctx, recordFilter(recordID)).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, "", ErrUserNotFound
		}
		return nil, "", fmt.Errorf("mongo ledger: get document: %w", err)
	}

	rev, _ := raw[mongoRevisionField].(string)
	delete(raw, mongoIDField)
	delete(raw, mongoRevisionField)

	// Relaxed extended JSON keeps numbers as plain JSON numbers.
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, "", fmt.Errorf("mongo ledger: encode document: %w", err)
	}
	body, err := decodeBody(data)
	if err != nil {
		return nil, "", err
	}
	return &domain.Document{RecordID: recordID, Body: body}, domain.Revision(rev), nil
}

func (l *MongoLedger) PutDocument(ctx context.Context, doc *domain.Document, expected domain.Revision) (domain.Revision, error) {
	replacement, err := toBSON(doc.Body)
	if err != nil {
		return "", err
	}
	delete(replacement, mongoIDField)

	next := uuid.NewString()
	replacement[mongoRevisionField] = next

	// Documents written by other services carry no _rev until our first write.
	filter := recordFilter(doc.RecordID)
	if expected == "" {
		filter[mongoRevisionField] = bson.M{"$exists": false}
	} else {
		filter[mongoRevisionField] = string(expected)
	}

	res, err := l.coll.ReplaceOne(ctx, filter, replacement)
	if err != nil {
		return "", fmt.Errorf("mongo ledger: put document: %w", err)
	}
	if res.MatchedCount == 1 {
		return domain.Revision(next), nil
	}

	n, err := l.coll.CountDocuments(ctx, recordFilter(doc.RecordID))
	if err != nil {
		return "", fmt.Errorf("mongo ledger: check document: %w", err)
	}
	if n == 0 {
		return "", ErrUserNotFound
	}
	return "", ErrRevisionConflict
}

func (l *MongoLedger) ListUserIDs(ctx context.Context) ([]string, error) {
	values, err := l.coll.Distinct(ctx, mongoUserIDField, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongo ledger: list users: %w", err)
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateUser inserts a new user document with a fresh ObjectID.
func (l *MongoLedger) CreateUser(ctx context.Context, userID string, body map[string]interface{}) (*domain.UserRecord, error) {
	doc, err := toBSON(body)
	if err != nil {
		return nil, err
	}

	oid := primitive.NewObjectID()
	doc[mongoIDField] = oid
	doc[mongoUserIDField] = userID
	doc[mongoRevisionField] = uuid.NewString()

	if _, err := l.coll.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongo ledger: create user: %w", err)
	}
	return &domain.UserRecord{UserID: userID, RecordID: oid.Hex()}, nil
}

// EnsureIndexes creates the unique user_id index.
func (l *MongoLedger) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: mongoUserIDField, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo ledger: create index: %w", err)
	}
	return nil
}

func toBSON(body map[string]interface{}) (bson.M, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	out := bson.M{}
	if err := bson.UnmarshalExtJSON(data, false, &out); err != nil {
		return nil, fmt.Errorf("mongo ledger: decode document: %w", err)
	}
	return out, nil
}
