package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tusharkarmokar24-ai/AeroView/internal/database"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSessionStore keeps one document per machine and day in MongoDB
type MongoSessionStore struct {
	mongodb    *database.MongoDB
	collection *mongo.Collection
}

// NewMongoSessionStore creates a new MongoDB backed session store
func NewMongoSessionStore(mongodb *database.MongoDB) *MongoSessionStore {
	return &MongoSessionStore{
		mongodb:    mongodb,
		collection: mongodb.Collection(database.CollectionMachineLogs),
	}
}

// GetOrCreateSession inserts the session with $setOnInsert so concurrent first
// readings of the day never overwrite each other
func (s *MongoSessionStore) GetOrCreateSession(ctx context.Context, machineID, day, startTime string) (*models.Session, bool, error) {
	id := sessionDocumentID(machineID, day)

	update := bson.M{
		"$setOnInsert": bson.M{
			"machineId": machineID,
			"day":       day,
			"startTime": startTime,
			"logs":      bson.M{},
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	var existing models.Session
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&existing)
	if err == nil {
		normalizeSession(&existing)
		return &existing, false, nil
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		// Upsert inserted the document; there was no prior version
		return &models.Session{
			ID:        id,
			MachineID: machineID,
			Day:       day,
			StartTime: startTime,
			Logs:      map[string]models.Reading{},
		}, true, nil
	}

	if mongo.IsDuplicateKeyError(err) {
		// Race condition: another request created the session concurrently
		session, findErr := s.GetSession(ctx, machineID, day)
		if findErr == nil {
			return session, false, nil
		}
	}

	return nil, false, fmt.Errorf("failed to get or create session: %w", err)
}

// AppendReading sets logs.<key> on the session document
func (s *MongoSessionStore) AppendReading(ctx context.Context, machineID, day string, reading models.Reading) (string, error) {
	key, err := newLogKey()
	if err != nil {
		return "", err
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": sessionDocumentID(machineID, day)},
		bson.M{"$set": bson.M{"logs." + key: reading}},
	)
	if err != nil {
		return "", fmt.Errorf("failed to append reading: %w", err)
	}
	if result.MatchedCount == 0 {
		return "", ErrSessionNotFound
	}

	return key, nil
}

// ListReadings loads only the logs field of the session
func (s *MongoSessionStore) ListReadings(ctx context.Context, machineID, day string) (map[string]models.Reading, error) {
	var doc struct {
		Logs map[string]models.Reading `bson:"logs"`
	}

	opts := options.FindOne().SetProjection(bson.M{"logs": 1})
	err := s.collection.FindOne(ctx, bson.M{"_id": sessionDocumentID(machineID, day)}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return map[string]models.Reading{}, nil
		}
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}

	if doc.Logs == nil {
		doc.Logs = map[string]models.Reading{}
	}
	return doc.Logs, nil
}

// GetSession retrieves a full session document
func (s *MongoSessionStore) GetSession(ctx context.Context, machineID, day string) (*models.Session, error) {
	var session models.Session
	err := s.collection.FindOne(ctx, bson.M{"_id": sessionDocumentID(machineID, day)}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	normalizeSession(&session)
	return &session, nil
}

// SetSummaryIfAbsent only matches documents without a summary field
func (s *MongoSessionStore) SetSummaryIfAbsent(ctx context.Context, machineID, day, summary string) (bool, error) {
	filter := bson.M{
		"_id":     sessionDocumentID(machineID, day),
		"summary": bson.M{"$exists": false},
	}

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"summary": summary}})
	if err != nil {
		return false, fmt.Errorf("failed to store summary: %w", err)
	}

	return result.MatchedCount == 1, nil
}

// ListSessionDays returns the machine's session days in ascending order
func (s *MongoSessionStore) ListSessionDays(ctx context.Context, machineID string) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"day": 1}).
		SetSort(bson.D{{Key: "day", Value: 1}})

	cursor, err := s.collection.Find(ctx, bson.M{"machineId": machineID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		Day string `bson:"day"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}

	days := make([]string, 0, len(docs))
	for _, doc := range docs {
		days = append(days, doc.Day)
	}
	return days, nil
}

// DeleteSessionsBefore removes sessions older than the given day
func (s *MongoSessionStore) DeleteSessionsBefore(ctx context.Context, day string) (int, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"day": bson.M{"$lt": day}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return int(result.DeletedCount), nil
}

// Ping checks the underlying MongoDB connection
func (s *MongoSessionStore) Ping(ctx context.Context) error {
	return s.mongodb.Ping(ctx)
}

func normalizeSession(session *models.Session) {
	if session.Logs == nil {
		session.Logs = map[string]models.Reading{}
	}
}
