package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/recovery"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/session"
)

// MongoStore persists to MongoDB. Recovery point lists are read through an
// expiring LRU cache that is invalidated on every point write.
type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration

	points *pointCache

	seqMu   sync.Mutex
	lastSeq int64
}

func NewMongoStore(client *mongo.Client, db *mongo.Database, operationTimeout time.Duration, cacheSize int) *MongoStore {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	return &MongoStore{
		client:           client,
		db:               db,
		operationTimeout: operationTimeout,
		points:           newPointCache(cacheSize, time.Hour),
	}
}

func (ms *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ms.operationTimeout)
}

func (ms *MongoStore) SaveSession(ctx context.Context, s *session.Session) error {
	if s.ID == "" {
		return ErrSessionIDEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: s.ID}}
	result, err := ms.db.Collection(SessionCollectionName).ReplaceOne(ctx, filter, s, options.Replace().SetUpsert(true))
	if err != nil {
		return HandleErr(err)
	}
	logger.DebugF("Session saved: id=%s, matched=%d, modified=%d, upserted=%v",
		s.ID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (ms *MongoStore) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return ErrSessionIDEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()

	result, err := ms.db.Collection(SessionCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return HandleErr(err)
	}
	logger.DebugF("Session deleted: id=%s, deleted=%d", id, result.DeletedCount)
	return nil
}

func (ms *MongoStore) LoadSessions(ctx context.Context) ([]*session.Session, error) {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	cursor, err := ms.db.Collection(SessionCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, HandleErr(err)
	}
	var sessions []*session.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, HandleErr(err)
	}
	logger.DebugF("session load cost: %v", time.Since(startTime))
	return sessions, nil
}

func (ms *MongoStore) AppendHistory(ctx context.Context, t session.Tombstone) error {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	_, err := ms.db.Collection(HistoryCollectionName).InsertOne(ctx, t)
	return HandleErr(err)
}

func (ms *MongoStore) SaveBackup(ctx context.Context, name string, blob []byte) error {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	doc := backupDocument{Name: name, Blob: blob}
	_, err := ms.db.Collection(BackupCollectionName).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: name}}, doc, options.Replace().SetUpsert(true))
	return HandleErr(err)
}

func (ms *MongoStore) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	var doc backupDocument
	err := ms.db.Collection(BackupCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, HandleErr(err)
	}
	return doc.Blob, nil
}

func (ms *MongoStore) ListBackups(ctx context.Context) ([]string, error) {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	cursor, err := ms.db.Collection(BackupCollectionName).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, HandleErr(err)
	}
	var docs []backupDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, HandleErr(err)
	}
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	return names, nil
}

func (ms *MongoStore) DeleteBackup(ctx context.Context, name string) error {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	_, err := ms.db.Collection(BackupCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: name}})
	return HandleErr(err)
}

// nextSequence is strictly increasing within the process and follows the
// wall clock across restarts.
func (ms *MongoStore) nextSequence() int64 {
	ms.seqMu.Lock()
	defer ms.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= ms.lastSeq {
		seq = ms.lastSeq + 1
	}
	ms.lastSeq = seq
	return seq
}

func (ms *MongoStore) AppendRecoveryPoint(ctx context.Context, point recovery.RecoveryPoint, keep int) error {
	if point.SessionID == "" {
		return ErrSessionIDEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	defer ms.points.invalidate(point.SessionID)

	collection := ms.db.Collection(RecoveryPointCollectionName)
	doc := recoveryPointDocument{RecoveryPoint: point, Sequence: ms.nextSequence()}
	if _, err := collection.InsertOne(ctx, doc); err != nil {
		return HandleErr(err)
	}
	if keep <= 0 {
		return nil
	}

	// The newest point that falls outside the kept window marks the cut.
	opts := options.FindOne().
		SetSort(bson.D{{Key: "sequence", Value: -1}}).
		SetSkip(int64(keep))
	var cut recoveryPointDocument
	err := collection.FindOne(ctx, bson.D{{Key: "session_id", Value: point.SessionID}}, opts).Decode(&cut)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return HandleErr(err)
	}
	_, err = collection.DeleteMany(ctx, bson.D{
		{Key: "session_id", Value: point.SessionID},
		{Key: "sequence", Value: bson.D{{Key: "$lte", Value: cut.Sequence}}},
	})
	return HandleErr(err)
}

func (ms *MongoStore) RecoveryPoints(ctx context.Context, sessionID string) ([]recovery.RecoveryPoint, error) {
	if points, ok := ms.points.get(sessionID); ok {
		return points, nil
	}
	version := ms.points.beginRead(sessionID)
	points, err := ms.findRecoveryPoints(ctx, sessionID)
	ms.points.endRead(sessionID, version, points)
	return points, err
}

func (ms *MongoStore) findRecoveryPoints(ctx context.Context, sessionID string) ([]recovery.RecoveryPoint, error) {
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := ms.db.Collection(RecoveryPointCollectionName).Find(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts)
	if err != nil {
		return nil, HandleErr(err)
	}
	var docs []recoveryPointDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, HandleErr(err)
	}
	logger.DebugF("recovery point query cost: %v", time.Since(startTime))

	points := make([]recovery.RecoveryPoint, len(docs))
	for i, d := range docs {
		points[i] = d.RecoveryPoint
	}
	return points, nil
}

func (ms *MongoStore) DeleteRecoveryPoints(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDEmpty
	}
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	defer ms.points.invalidate(sessionID)

	result, err := ms.db.Collection(RecoveryPointCollectionName).DeleteMany(ctx, bson.D{{Key: "session_id", Value: sessionID}})
	if err != nil {
		return HandleErr(err)
	}
	logger.DebugF("Recovery points deleted: session=%s, deleted=%d", sessionID, result.DeletedCount)
	return nil
}

// Invoke closes the client, for use as a shutdown callable.
func (ms *MongoStore) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := ms.withTimeout(ctx)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
