package editstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS collab_commands (
	document_id     TEXT        NOT NULL,
	content_version BIGINT      NOT NULL,
	author          TEXT        NOT NULL,
	command         JSON        NOT NULL,
	reverted        BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, content_version)
)`,
	`CREATE TABLE IF NOT EXISTS collab_documents (
	document_id     TEXT PRIMARY KEY,
	content         JSON,
	content_version BIGINT      NOT NULL DEFAULT 0,
	last_version    BIGINT      NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// PostgresStorage stores the command log in PostgreSQL. Versions are counted
// per document in collab_documents.last_version. Appends and rollups of one
// document hold the same transaction-scoped advisory lock, so versions are
// contiguous and a rollup never sees a version that is not committed yet.
type PostgresStorage struct {
	pool         *pgxpool.Pool
	materializer Materializer
	logger       *zap.Logger
}

// NewPostgresStorage connects to dsn and ensures the schema exists.
func NewPostgresStorage(ctx context.Context, dsn string, materializer Materializer, logger *zap.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStorage{pool: pool, materializer: materializer, logger: logger.Named("postgres")}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables used by the store.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func lockDocument(ctx context.Context, tx pgx.Tx, documentID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentID); err != nil {
		return fmt.Errorf("failed to lock document %s: %w", documentID, err)
	}
	return nil
}

// AppendCommand implements Storage.
func (s *PostgresStorage) AppendCommand(ctx context.Context, user, documentID string, command json.RawMessage) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDocument(ctx, tx, documentID); err != nil {
		return 0, err
	}

	var version int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO collab_documents (document_id, last_version) VALUES ($1, 1)
		 ON CONFLICT (document_id) DO UPDATE SET last_version = collab_documents.last_version + 1
		 RETURNING last_version`,
		documentID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to take next version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO collab_commands (document_id, content_version, author, command) VALUES ($1, $2, $3, $4)`,
		documentID, version, user, string(command),
	); err != nil {
		return 0, fmt.Errorf("failed to append command: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return version, nil
}

func (s *PostgresStorage) setReverted(ctx context.Context, documentID string, version int64, reverted bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE collab_commands SET reverted = $3 WHERE document_id = $1 AND content_version = $2 AND reverted = $4`,
		documentID, version, reverted, !reverted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update command %d: %w", version, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UndoContent implements Storage.
func (s *PostgresStorage) UndoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	return s.setReverted(ctx, documentID, version, true)
}

// RedoContent implements Storage.
func (s *PostgresStorage) RedoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	return s.setReverted(ctx, documentID, version, false)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listCommands(ctx context.Context, q querier, documentID string, since int64) ([]Command, error) {
	rows, err := q.Query(ctx,
		`SELECT content_version, author, command, reverted, created_at
		   FROM collab_commands
		  WHERE document_id = $1 AND content_version > $2
		  ORDER BY content_version`,
		documentID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var (
			cmd Command
			raw []byte
		)
		if err := rows.Scan(&cmd.ContentVersion, &cmd.Author, &raw, &cmd.Reverted, &cmd.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmd.DocumentID = documentID
		cmd.Command = raw
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ListCommandsSince implements Storage.
func (s *PostgresStorage) ListCommandsSince(ctx context.Context, user, documentID string, since int64) ([]Command, error) {
	return listCommands(ctx, s.pool, documentID, since)
}

// RollupCommands implements Storage. The document lock is held for the
// duration of the fold, so appends and other rollups of the document wait.
func (s *PostgresStorage) RollupCommands(ctx context.Context, documentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rollup: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDocument(ctx, tx, documentID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO collab_documents (document_id) VALUES ($1) ON CONFLICT (document_id) DO NOTHING`,
		documentID,
	); err != nil {
		return fmt.Errorf("failed to create document row: %w", err)
	}

	var (
		content     []byte
		baseVersion int64
	)
	if err := tx.QueryRow(ctx,
		`SELECT content, content_version FROM collab_documents WHERE document_id = $1 FOR UPDATE`,
		documentID,
	).Scan(&content, &baseVersion); err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	commands, err := listCommands(ctx, tx, documentID, baseVersion)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return tx.Commit(ctx)
	}

	folded, upTo := fold(s.materializer, content, baseVersion, commands)
	if upTo == baseVersion {
		s.logger.Debug("Nothing to roll up", zap.String("document_id", documentID))
		return tx.Commit(ctx)
	}

	var stored any
	if len(folded) > 0 {
		stored = string(folded)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE collab_documents SET content = $2, content_version = $3, updated_at = now() WHERE document_id = $1`,
		documentID, stored, upTo,
	); err != nil {
		return fmt.Errorf("failed to store rolled up content: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM collab_commands WHERE document_id = $1 AND content_version <= $2`,
		documentID, upTo,
	)
	if err != nil {
		return fmt.Errorf("failed to trim command log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rollup: %w", err)
	}
	s.logger.Info("Rolled up document",
		zap.String("document_id", documentID),
		zap.Int64("content_version", upTo),
		zap.Int64("commands_removed", tag.RowsAffected()))
	return nil
}

// LoadDocument implements Storage.
func (s *PostgresStorage) LoadDocument(ctx context.Context, documentID string) (*Document, error) {
	doc := &Document{DocumentID: documentID}
	var content []byte
	err := s.pool.QueryRow(ctx,
		`SELECT content, content_version FROM collab_documents WHERE document_id = $1`,
		documentID,
	).Scan(&content, &doc.ContentVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	doc.Content = content
	return doc, nil
}

// Close implements Storage.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
