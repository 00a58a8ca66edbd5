// Package store provides the shared document tree every participant polls.
//
// The tree only supports whole-subtree reads and writes, partial field merges
// and deletes. There are no subscriptions, transactions or conditional writes;
// anything stronger is built on top of these four operations by the callers.
//
// Backends keep the tree flattened into leaves keyed by slash-separated paths.
// Objects are never stored as leaves, so an empty object disappears and a
// write below a scalar replaces the scalar.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrNotFound    = errors.New("store: path not found")
	ErrInvalidPath = errors.New("store: invalid path")
)

// Store is the remote document store collaborator.
type Store interface {
	// Read returns the JSON document rooted at path, or ErrNotFound.
	Read(ctx context.Context, path string) (json.RawMessage, error)
	// Write replaces the subtree at path with doc.
	Write(ctx context.Context, path string, doc any) error
	// Update merges fields into the subtree at path. Keys may be relative
	// paths; a nil value deletes the subtree at that key.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the subtree at path. Deleting a missing path is not an
	// error.
	Delete(ctx context.Context, path string) error
	Close() error
}

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidSegment reports whether seg may be used as one path segment.
func ValidSegment(seg string) bool {
	return segmentRe.MatchString(seg)
}

// ValidatePath checks that every segment of path is non-empty and contains
// only characters that are safe for every backend's prefix matching.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if !ValidSegment(seg) {
			return ErrInvalidPath
		}
	}
	return nil
}

// Decode reads the document at path into v.
func Decode(ctx context.Context, s Store, path string, v any) error {
	raw, err := s.Read(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
