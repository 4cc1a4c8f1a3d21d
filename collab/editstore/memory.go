package editstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type memoryDocument struct {
	content     json.RawMessage
	baseVersion int64
	lastVersion int64
	commands    []Command
}

// MemoryStorage keeps every document in process memory.
type MemoryStorage struct {
	mu           sync.Mutex
	documents    map[string]*memoryDocument
	materializer Materializer
	now          func() time.Time
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage(materializer Materializer) *MemoryStorage {
	if materializer == nil {
		materializer = JSONPatchMaterializer{}
	}
	return &MemoryStorage{
		documents:    make(map[string]*memoryDocument),
		materializer: materializer,
		now:          time.Now,
	}
}

func (s *MemoryStorage) document(documentID string) *memoryDocument {
	doc, ok := s.documents[documentID]
	if !ok {
		doc = &memoryDocument{}
		s.documents[documentID] = doc
	}
	return doc
}

// AppendCommand implements Storage.
func (s *MemoryStorage) AppendCommand(ctx context.Context, user, documentID string, command json.RawMessage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.document(documentID)
	doc.lastVersion++
	doc.commands = append(doc.commands, Command{
		DocumentID:     documentID,
		ContentVersion: doc.lastVersion,
		Author:         user,
		Command:        append(json.RawMessage(nil), command...),
		CreatedAt:      s.now(),
	})
	return doc.lastVersion, nil
}

func (s *MemoryStorage) setReverted(ctx context.Context, documentID string, version int64, reverted bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return false, nil
	}
	i := sort.Search(len(doc.commands), func(i int) bool {
		return doc.commands[i].ContentVersion >= version
	})
	if i == len(doc.commands) || doc.commands[i].ContentVersion != version {
		return false, nil
	}
	if doc.commands[i].Reverted == reverted {
		return false, nil
	}
	doc.commands[i].Reverted = reverted
	return true, nil
}

// UndoContent implements Storage.
func (s *MemoryStorage) UndoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	return s.setReverted(ctx, documentID, version, true)
}

// RedoContent implements Storage.
func (s *MemoryStorage) RedoContent(ctx context.Context, user, documentID string, version int64) (bool, error) {
	return s.setReverted(ctx, documentID, version, false)
}

// ListCommandsSince implements Storage.
func (s *MemoryStorage) ListCommandsSince(ctx context.Context, user, documentID string, since int64) ([]Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return nil, nil
	}
	var out []Command
	for _, cmd := range doc.commands {
		if cmd.ContentVersion > since {
			out = append(out, cmd)
		}
	}
	return out, nil
}

// RollupCommands implements Storage.
func (s *MemoryStorage) RollupCommands(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok || len(doc.commands) == 0 {
		return nil
	}

	content, upTo := fold(s.materializer, doc.content, doc.baseVersion, doc.commands)
	kept := doc.commands[:0]
	for _, cmd := range doc.commands {
		if cmd.ContentVersion > upTo {
			kept = append(kept, cmd)
		}
	}
	doc.commands = kept
	doc.content = content
	doc.baseVersion = upTo
	return nil
}

// LoadDocument implements Storage.
func (s *MemoryStorage) LoadDocument(ctx context.Context, documentID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &Document{DocumentID: documentID}
	if doc, ok := s.documents[documentID]; ok {
		result.Content = append(json.RawMessage(nil), doc.content...)
		result.ContentVersion = doc.baseVersion
	}
	return result, nil
}

// Close implements Storage.
func (s *MemoryStorage) Close() error {
	return nil
}
