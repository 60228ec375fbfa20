// Package store is the document-store seam of the app. Domain packages talk
// to the Store interface; the Firestore implementation backs production and
// the Memory implementation backs tests and local development.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DocumentID is the pseudo field name addressing a document's own id in
// query filters and ordering, mirroring Firestore's __name__ path.
const DocumentID = "__name__"

var (
	ErrNotFound    = errors.New("document not found")
	ErrAborted     = errors.New("transaction aborted")
	ErrUnavailable = errors.New("store unavailable")
)

// Ref addresses a single document.
type Ref struct {
	Collection string
	ID         string
}

// Snapshot is a point-in-time view of a document. Data is keyed the way the
// backend stored it; DataTo decodes it into a tagged struct.
type Snapshot struct {
	ID     string
	exists bool
	data   map[string]any
}

func NewSnapshot(id string, exists bool, data map[string]any) Snapshot {
	return Snapshot{ID: id, exists: exists, data: data}
}

func (s Snapshot) Exists() bool { return s.exists }

func (s Snapshot) DataTo(v any) error {
	if !s.exists {
		return fmt.Errorf("%w: %s", ErrNotFound, s.ID)
	}
	raw, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Op is a query filter operator.
type Op string

const (
	OpEqual Op = "=="
	OpIn    Op = "in"
	OpNotIn Op = "not-in"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes a filtered, ordered, keyset-paginated collection scan.
// StartAfter is an exclusive cursor holding the last-seen document id.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Desc       bool
	Limit      int
	StartAfter string
}

// Tx is the handle passed to a transaction function. All reads must happen
// before the first write; the Firestore backend enforces this and the Memory
// backend mirrors it so tests catch violations early.
type Tx interface {
	Get(ref Ref) (Snapshot, error)
	Set(ref Ref, v any) error
	Delete(ref Ref) error
}

// Store is the document-store collaborator. Transactions read a consistent
// snapshot and commit atomically; a conflicting concurrent commit makes the
// store retry the function, and ErrAborted surfaces only once the retry
// budget is exhausted.
type Store interface {
	Get(ctx context.Context, ref Ref) (Snapshot, error)
	Set(ctx context.Context, ref Ref, v any) error
	Delete(ctx context.Context, ref Ref) error
	NewID(collection string) string
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	Watch(ctx context.Context, ref Ref, fn func(Snapshot)) (stop func(), err error)
}
