// Package remote defines the boundary to the remote document store.
package remote

import (
	"context"
	"sort"

	"github.com/and161185/fitsync/internal/model"
)

// Handle identifies an open subscription.
type Handle string

// Snapshot is one delivery of a subscription: the full current result of the query, or an error.
type Snapshot struct {
	Docs []model.Document
	Err  error
}

// Gateway exposes read/write/subscribe primitives against named collections.
// Errors are wrapped around errs.ErrNotFound, errs.ErrTransient or errs.ErrPermission.
type Gateway interface {
	// Read loads a single document.
	Read(ctx context.Context, collection, id string) (model.Document, error)
	// Create stores a new document atomically; errs.ErrAlreadyExists if id is taken.
	Create(ctx context.Context, collection, id string, fields map[string]any) error
	// Write merges patch into the document, creating it if needed.
	Write(ctx context.Context, collection, id string, patch map[string]any) error
	// Delete removes the document.
	Delete(ctx context.Context, collection, id string) error
	// Subscribe delivers full snapshots for q, in emission order, until Close.
	Subscribe(ctx context.Context, q Query, onSnapshot func(Snapshot)) (Handle, error)
	// Close stops deliveries for h. Closing an unknown handle is a no-op.
	Close(h Handle)
}

// Op is a filter comparison.
type Op string

const (
	OpEq Op = "=="
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query is a live query over one collection.
type Query struct {
	Collection string
	Where      []Filter
	OrderBy    string // timestamp or string field, ascending
	Limit      int
}

// Where is shorthand for an equality query.
func Where(collection, field string, value any) Query {
	return Query{Collection: collection, Where: []Filter{{Field: field, Op: OpEq, Value: value}}}
}

// Matches reports whether fields satisfy every filter of q.
func (q Query) Matches(fields map[string]any) bool {
	for _, f := range q.Where {
		if f.Op != OpEq {
			return false
		}
		if !equalValue(fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// Apply orders and limits docs in place according to q and returns the result.
// Backends without native ordering use it after filtering.
func (q Query) Apply(docs []model.Document) []model.Document {
	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, b := docs[i].Fields, docs[j].Fields
			if ta, tb := model.Time(a, q.OrderBy), model.Time(b, q.OrderBy); !ta.IsZero() || !tb.IsZero() {
				if !ta.Equal(tb) {
					return ta.Before(tb)
				}
			} else if sa, sb := model.Str(a, q.OrderBy), model.Str(b, q.OrderBy); sa != sb {
				return sa < sb
			}
			return docs[i].ID < docs[j].ID
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

func equalValue(a, b any) bool {
	switch bv := b.(type) {
	case int:
		return model.Int(map[string]any{"v": a}, "v") == bv
	case bool:
		av, ok := a.(bool)
		return ok && av == bv
	case string:
		av, ok := a.(string)
		return ok && av == bv
	}
	return a == b
}
