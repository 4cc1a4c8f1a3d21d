// Package editstore persists the versioned command log of each document and
// compacts it into a base snapshot when a document goes idle.
package editstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupportedStorageType is returned by Open for an unknown storage type.
var ErrUnsupportedStorageType = errors.New("unsupported storage type")

// Command is one entry of a document's command log.
type Command struct {
	DocumentID     string          `json:"documentId"`
	ContentVersion int64           `json:"contentVersion"`
	Author         string          `json:"author"`
	Command        json.RawMessage `json:"command"`
	Reverted       bool            `json:"reverted"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Document is the rolled-up base content of a document. Commands with a
// version greater than ContentVersion are still in the log.
type Document struct {
	DocumentID     string          `json:"documentId"`
	Content        json.RawMessage `json:"content,omitempty"`
	ContentVersion int64           `json:"contentVersion"`
}

// Storage is the persistence contract used by the command, undo and redo
// processors and by rollup.
type Storage interface {
	// AppendCommand stores a command and returns its content version. Versions
	// are strictly increasing per document in append order.
	AppendCommand(ctx context.Context, user, documentID string, command json.RawMessage) (int64, error)

	// UndoContent marks a version reverted. It returns false when the version
	// is unknown or already reverted.
	UndoContent(ctx context.Context, user, documentID string, version int64) (bool, error)

	// RedoContent clears the reverted flag. It returns false when the version
	// is unknown or not reverted.
	RedoContent(ctx context.Context, user, documentID string, version int64) (bool, error)

	// ListCommandsSince returns the commands with a version greater than since,
	// in version order.
	ListCommandsSince(ctx context.Context, user, documentID string, since int64) ([]Command, error)

	// RollupCommands folds the command log into the document's base content.
	RollupCommands(ctx context.Context, documentID string) error

	// LoadDocument returns the current base content.
	LoadDocument(ctx context.Context, documentID string) (*Document, error)

	// Close releases the backend.
	Close() error
}

// Storage types accepted by Open.
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
	TypeMongo    = "mongo"
)

// Options selects and configures a storage backend.
type Options struct {
	Type         string
	DSN          string
	Database     string
	Materializer Materializer
	Logger       *zap.Logger
}

// Open creates the storage backend named by opts.Type.
func Open(ctx context.Context, opts Options) (Storage, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Materializer == nil {
		opts.Materializer = JSONPatchMaterializer{}
	}

	switch opts.Type {
	case TypeMemory, "":
		return NewMemoryStorage(opts.Materializer), nil
	case TypePostgres:
		return NewPostgresStorage(ctx, opts.DSN, opts.Materializer, opts.Logger)
	case TypeMongo:
		return NewMongoStorage(ctx, opts.DSN, opts.Database, opts.Materializer, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStorageType, opts.Type)
	}
}

// RollupFunc adapts Storage.RollupCommands to the bus rollup executor.
func RollupFunc(s Storage) func(ctx context.Context, documentID string) error {
	return s.RollupCommands
}
