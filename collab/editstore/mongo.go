package editstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	mongoCommandsCollection  = "collab_commands"
	mongoCountersCollection  = "collab_counters"
	mongoDocumentsCollection = "collab_documents"
)

type mongoCommand struct {
	DocumentID     string    `bson:"document_id"`
	ContentVersion int64     `bson:"content_version"`
	Author         string    `bson:"author"`
	Command        []byte    `bson:"command"`
	Reverted       bool      `bson:"reverted"`
	CreatedAt      time.Time `bson:"created_at"`
}

type mongoDocument struct {
	DocumentID     string    `bson:"_id"`
	Content        []byte    `bson:"content,omitempty"`
	ContentVersion int64     `bson:"content_version"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

// MongoStorage stores the command log in MongoDB. Each document has its own
// counter, so versions are contiguous per document.
type MongoStorage struct {
	client       *mongo.Client
	commands     *mongo.Collection
	counters     *mongo.Collection
	documents    *mongo.Collection
	materializer Materializer
	logger       *zap.Logger
}

// NewMongoStorage connects to uri and creates the indexes used by the store.
func NewMongoStorage(ctx context.Context, uri, database string, materializer Materializer, logger *zap.Logger) (*MongoStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s, err := newMongoStorage(ctx, client, database, materializer, logger)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func newMongoStorage(ctx context.Context, client *mongo.Client, database string, materializer Materializer, logger *zap.Logger) (*MongoStorage, error) {
	if database == "" {
		database = "collab"
	}
	db := client.Database(database)
	s := &MongoStorage{
		client:       client,
		commands:     db.Collection(mongoCommandsCollection),
		counters:     db.Collection(mongoCountersCollection),
		documents:    db.Collection(mongoDocumentsCollection),
		materializer: materializer,
		logger:       logger.Named("mongo"),
	}

	_, err := s.commands.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "document_id", Value: 1},
			{Key: "content_version", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStorage) nextVersion(ctx context.Context, documentID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": documentID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

// AppendCommand implements Storage.
func (s *MongoStorage) AppendCommand(ctx context.Context, user, documentID string, command json.RawMessage) (int64, error) {
	version, err := s.nextVersion(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to get next version: %w", err)
	}

	_, err = s.commands.InsertOne(ctx, mongoCommand{
		DocumentID:     documentID,
		ContentVersion: version,
		Author:         user,
		Command:        command,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert command: %w", err)
	}

	s.logger.Debug("Command stored",
		zap.String("document_id", documentID),
		zap.Int64("content_version", version))
	return version, nil
}

func (s *MongoStorage) setReverted(ctx context.Context, documentID string, version int64, reverted bool) (bool, error) {
	res, err := s.commands.UpdateOne(ctx,
		bson.M{"document_id": documentID, "content_version": version, "reverted": !reverted},
		bson.M{"$set": bson.M{"reverted": reverted}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to update command %d: %w", version, err)
	}
	return res.ModifiedCount == 1, nil
}

// UndoContent implements Storage.
func (s *MongoStorage) UndoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	return s.setReverted(ctx, documentID, version, true)
}

// RedoContent implements Storage.
func (s *MongoStorage) RedoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	return s.setReverted(ctx, documentID, version, false)
}

// ListCommandsSince implements Storage.
func (s *MongoStorage) ListCommandsSince(ctx context.Context, user, documentID string, since int64) ([]Command, error) {
	cursor, err := s.commands.Find(ctx,
		bson.M{"document_id": documentID, "content_version": bson.M{"$gt": since}},
		options.Find().SetSort(bson.D{{Key: "content_version", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find commands: %w", err)
	}
	defer cursor.Close(ctx)

	var stored []mongoCommand
	if err := cursor.All(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode commands: %w", err)
	}

	out := make([]Command, 0, len(stored))
	for _, c := range stored {
		out = append(out, Command{
			DocumentID:     c.DocumentID,
			ContentVersion: c.ContentVersion,
			Author:         c.Author,
			Command:        c.Command,
			Reverted:       c.Reverted,
			CreatedAt:      c.CreatedAt,
		})
	}
	return out, nil
}

func (s *MongoStorage) loadBase(ctx context.Context, documentID string) (*mongoDocument, error) {
	var doc mongoDocument
	err := s.documents.FindOne(ctx, bson.M{"_id": documentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &mongoDocument{DocumentID: documentID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

// RollupCommands implements Storage. A version taken by an append that has not
// inserted yet leaves a gap, and folding stops below it. The base document is
// written before the folded commands are deleted, so an interrupted rollup
// leaves commands that are skipped on the next run because their version is
// not above the base.
func (s *MongoStorage) RollupCommands(ctx context.Context, documentID string) error {
	base, err := s.loadBase(ctx, documentID)
	if err != nil {
		return err
	}

	commands, err := s.ListCommandsSince(ctx, "", documentID, base.ContentVersion)
	if err != nil {
		return err
	}
	folded, upTo := fold(s.materializer, base.Content, base.ContentVersion, commands)
	if upTo == base.ContentVersion {
		return nil
	}

	base.Content = folded
	base.ContentVersion = upTo
	base.UpdatedAt = time.Now()
	if _, err := s.documents.ReplaceOne(ctx, bson.M{"_id": documentID}, base, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to store rolled up content: %w", err)
	}

	res, err := s.commands.DeleteMany(ctx, bson.M{
		"document_id":     documentID,
		"content_version": bson.M{"$lte": upTo},
	})
	if err != nil {
		return fmt.Errorf("failed to trim command log: %w", err)
	}

	s.logger.Info("Rolled up document",
		zap.String("document_id", documentID),
		zap.Int64("content_version", upTo),
		zap.Int64("commands_removed", res.DeletedCount))
	return nil
}

// LoadDocument implements Storage.
func (s *MongoStorage) LoadDocument(ctx context.Context, documentID string) (*Document, error) {
	base, err := s.loadBase(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &Document{
		DocumentID:     documentID,
		Content:        base.Content,
		ContentVersion: base.ContentVersion,
	}, nil
}

// Close implements Storage.
func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
