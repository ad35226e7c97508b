package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Store is a tree-structured document store. Values live at slash-separated
// paths. Writing an object decomposes it into one leaf per scalar field, so
// a child path can be overwritten without rewriting its siblings. Reading a
// path materializes the whole subtree beneath it into a single JSON document.
type Store interface {
	// Get returns a snapshot of the subtree rooted at path. A snapshot whose
	// Exists method reports false means the path holds no data.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set overwrites the subtree rooted at path with value.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the object at path. Each field is written as
	// if by Set(path/field); fields not named are left untouched.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push writes value under path at a newly generated child key and
	// returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the subtree rooted at path.
	Delete(ctx context.Context, path string) error

	// Watch delivers a snapshot of path on subscribe and after every
	// committed write that touches the subtree. Delivery coalesces: a slow
	// receiver may miss intermediate snapshots but always observes the
	// latest. The subscription ends when ctx is cancelled, closing the
	// channel.
	Watch(ctx context.Context, path string) (<-chan Snapshot, error)
}

// Snapshot is a point-in-time materialization of a store path.
type Snapshot struct {
	Path  string
	Value json.RawMessage
}

func (s Snapshot) Exists() bool {
	return len(s.Value) > 0
}

// Decode unmarshals the snapshot value into v.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return errors.New("decode empty snapshot")
	}
	return json.Unmarshal(s.Value, v)
}

// Children splits an object snapshot into its immediate children keyed by
// path segment. A non-existent snapshot yields an empty map.
func (s Snapshot) Children() (map[string]json.RawMessage, error) {
	children := make(map[string]json.RawMessage)
	if !s.Exists() {
		return children, nil
	}
	if err := json.Unmarshal(s.Value, &children); err != nil {
		return nil, err
	}
	return children, nil
}

// JoinPath joins path segments with slashes, skipping empty segments.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s == "" {
			continue
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "/")
}

func validPath(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return false
		}
	}
	return true
}
