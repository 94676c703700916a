// Package store implements interfaces.RecordStore on MongoDB and SQLite. The
// local identity provider keeps its user and institution records here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

var _ interfaces.RecordStore = (*MongoDBStore)(nil)

// Timestamp fields maintained by every store
const (
	FieldCreated = "created"
	FieldUpdated = "updated"
)

// MongoDBStore keeps one MongoDB collection per record collection. Record
// ids are stored as string _id values.
type MongoDBStore struct {
	db     *mongo.Database
	now    func() time.Time
	logger zerolog.Logger
}

// NewMongoDBStore creates a new MongoDB record store
func NewMongoDBStore(db *mongo.Database) *MongoDBStore {
	return &MongoDBStore{
		db:     db,
		now:    time.Now,
		logger: log.With().Str("component", "mongodb_store").Logger(),
	}
}

// ConnectMongoDB opens a client for uri and returns a store on database
func ConnectMongoDB(ctx context.Context, uri, database string) (*MongoDBStore, *mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return NewMongoDBStore(client.Database(database)), client, nil
}

// Get loads a record by id
func (s *MongoDBStore) Get(ctx context.Context, collection, id string) (types.Record, error) {
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return fromDocument(doc), nil
}

// Query returns records whose fields equal every filter value. limit <= 0 means no limit.
func (s *MongoDBStore) Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]types.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: FieldCreated, Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(collection).Find(ctx, toFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []types.Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, fromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// Create inserts a record, assigning an id when none is set
func (s *MongoDBStore) Create(ctx context.Context, collection string, record types.Record) (types.Record, error) {
	doc, id := toDocument(record)
	now := s.now().UTC()
	doc[FieldCreated] = now
	doc[FieldUpdated] = now

	if _, err := s.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: record %s already exists", types.ErrInvalidRequest, id)
		}
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	s.logger.Debug().Str("collection", collection).Str("id", id).Msg("Record created")
	return fromDocument(doc), nil
}

// Update sets the given fields and returns the updated record
func (s *MongoDBStore) Update(ctx context.Context, collection, id string, fields types.Record) (types.Record, error) {
	set := bson.M{FieldUpdated: s.now().UTC()}
	for k, v := range fields {
		if k == types.FieldID || k == "_id" {
			continue
		}
		set[k] = v
	}

	var doc bson.M
	err := s.db.Collection(collection).FindOneAndUpdate(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return fromDocument(doc), nil
}

// Delete removes a record
func (s *MongoDBStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrRecordNotFound, collection, id)
	}
	return nil
}

// toDocument maps id onto _id, generating one when missing
func toDocument(record types.Record) (bson.M, string) {
	doc := make(bson.M, len(record)+1)
	for k, v := range record {
		if k == types.FieldID {
			continue
		}
		doc[k] = v
	}
	id := record.ID()
	if id == "" {
		id = uuid.NewString()
	}
	doc["_id"] = id
	return doc, id
}

func toFilter(filter map[string]any) bson.M {
	out := make(bson.M, len(filter))
	for k, v := range filter {
		if k == types.FieldID {
			k = "_id"
		}
		out[k] = v
	}
	return out
}

// fromDocument maps _id back to id and flattens driver types into plain Go values
func fromDocument(doc bson.M) types.Record {
	out := make(types.Record, len(doc))
	for k, v := range doc {
		if k == "_id" {
			k = types.FieldID
		}
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case time.Time:
		return val.UTC()
	case bson.M:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = normalize(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
