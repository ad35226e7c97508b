package core

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var errInvalidPath = errors.New("invalid path")

// SQLiteStore persists the tree in a single nodes table with one row per
// scalar leaf. Watchers are in-process: every committed write re-reads the
// affected subtrees and fans the snapshots out to subscribers.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[int64]*storeWatcher
	nextID   int64
}

func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{
		db:       db,
		logger:   logger,
		watchers: make(map[int64]*storeWatcher),
	}
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if !validPath(path) {
		return Snapshot{}, newStoreReadError(path, errInvalidPath)
	}

	row := s.db.QueryRowContext(ctx, "SELECT value FROM nodes WHERE path = ?", path)
	var leaf string
	err := row.Scan(&leaf)
	if err == nil {
		return Snapshot{Path: path, Value: json.RawMessage(leaf)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, newStoreReadError(path, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, value FROM nodes WHERE path LIKE ? ESCAPE '\\' ORDER BY path",
		likePrefix(path))
	if err != nil {
		return Snapshot{}, newStoreReadError(path, err)
	}
	defer rows.Close()

	tree := make(map[string]any)
	found := false
	for rows.Next() {
		var leafPath, value string
		if err := rows.Scan(&leafPath, &value); err != nil {
			return Snapshot{}, newStoreReadError(path, err)
		}
		found = true
		insertLeaf(tree, leafPath[len(path)+1:], json.RawMessage(value))
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, newStoreReadError(path, err)
	}

	if !found {
		return Snapshot{Path: path}, nil
	}

	value, err := json.Marshal(tree)
	if err != nil {
		return Snapshot{}, newStoreReadError(path, err)
	}
	return Snapshot{Path: path, Value: value}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	if !validPath(path) {
		return newStoreWriteError(path, errInvalidPath)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return newStoreWriteError(path, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreWriteError(path, fmt.Errorf("BeginTx: %w", err))
	}
	defer tx.Rollback()

	if err := writeSubtree(ctx, tx, path, raw); err != nil {
		return newStoreWriteError(path, err)
	}

	if err := tx.Commit(); err != nil {
		return newStoreWriteError(path, fmt.Errorf("Commit: %w", err))
	}

	s.notify(path)
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if !validPath(path) {
		return newStoreWriteError(path, errInvalidPath)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreWriteError(path, fmt.Errorf("BeginTx: %w", err))
	}
	defer tx.Rollback()

	for field, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return newStoreWriteError(path, err)
		}
		if err := writeSubtree(ctx, tx, JoinPath(path, field), raw); err != nil {
			return newStoreWriteError(path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newStoreWriteError(path, fmt.Errorf("Commit: %w", err))
	}

	s.notify(path)
	return nil
}

func (s *SQLiteStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := uuid.New().String()
	if err := s.Set(ctx, JoinPath(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	if !validPath(path) {
		return newStoreWriteError(path, errInvalidPath)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreWriteError(path, fmt.Errorf("BeginTx: %w", err))
	}
	defer tx.Rollback()

	if err := deleteSubtree(ctx, tx, path); err != nil {
		return newStoreWriteError(path, err)
	}

	if err := tx.Commit(); err != nil {
		return newStoreWriteError(path, fmt.Errorf("Commit: %w", err))
	}

	s.notify(path)
	return nil
}

func (s *SQLiteStore) Watch(ctx context.Context, path string) (<-chan Snapshot, error) {
	if !validPath(path) {
		return nil, newStoreReadError(path, errInvalidPath)
	}

	w := &storeWatcher{path: path, ch: make(chan Snapshot, 1)}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = w
	s.mu.Unlock()

	initial, err := s.Get(ctx, path)
	if err != nil {
		s.removeWatcher(id)
		return nil, err
	}
	w.deliver(initial)

	go func() {
		<-ctx.Done()
		s.removeWatcher(id)
	}()

	return w.ch, nil
}

func (s *SQLiteStore) removeWatcher(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(w.ch)
	}
}

// notify re-reads the subtree of every watcher whose path overlaps the
// written path and delivers fresh snapshots.
func (s *SQLiteStore) notify(path string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		if !pathsOverlap(path, w.path) {
			continue
		}
		snap, err := s.Get(context.Background(), w.path)
		if err != nil {
			s.logger.Error(fmt.Sprintf("watch refresh %s: %v", w.path, err))
			continue
		}
		w.deliver(snap)
	}
}

type storeWatcher struct {
	path string
	ch   chan Snapshot
}

// deliver replaces any undelivered snapshot so the receiver always observes
// the latest state.
func (w *storeWatcher) deliver(snap Snapshot) {
	for {
		select {
		case w.ch <- snap:
			return
		default:
			select {
			case <-w.ch:
			default:
			}
		}
	}
}

func pathsOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// writeSubtree replaces everything at and below path with the decomposed
// leaves of raw. Scalar leaves left at ancestor paths are removed so a path
// never holds both a value and children.
func writeSubtree(ctx context.Context, tx *sql.Tx, path string, raw json.RawMessage) error {
	if err := deleteSubtree(ctx, tx, path); err != nil {
		return err
	}

	for ancestor := parentPath(path); ancestor != ""; ancestor = parentPath(ancestor) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE path = ?", ancestor); err != nil {
			return fmt.Errorf("ExecContext(delete ancestor): %w", err)
		}
	}

	leaves := make(map[string]json.RawMessage)
	flatten(path, raw, leaves)
	for leafPath, value := range leaves {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO nodes (path, value) VALUES (?, ?) ON CONFLICT (path) DO UPDATE SET value = excluded.value",
			leafPath, string(value))
		if err != nil {
			return fmt.Errorf("ExecContext(insert node): %w", err)
		}
	}
	return nil
}

func deleteSubtree(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE path = ? OR path LIKE ? ESCAPE '\\'",
		path, likePrefix(path))
	if err != nil {
		return fmt.Errorf("ExecContext(delete subtree): %w", err)
	}
	return nil
}

// flatten decomposes raw into scalar leaves keyed by full path. JSON objects
// recurse one level per field; scalars and arrays are stored whole. Nulls
// store nothing, so setting null is equivalent to deleting.
func flatten(path string, raw json.RawMessage, out map[string]json.RawMessage) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return
	}
	if trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			for field, value := range fields {
				flatten(JoinPath(path, field), value, out)
			}
			return
		}
	}
	out[path] = trimmed
}

func insertLeaf(tree map[string]any, relPath string, value json.RawMessage) {
	segments := strings.Split(relPath, "/")
	current := tree
	for i, segment := range segments {
		if i == len(segments)-1 {
			current[segment] = value
			return
		}
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// likePrefix escapes path for use as a LIKE prefix pattern. Generated keys
// may contain '_' which LIKE would otherwise treat as a wildcard.
func likePrefix(path string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(path)
	return escaped + "/%"
}
