package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/dispatch"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

// DefaultQueryTimeout bounds a single re-query of a live subscription.
const DefaultQueryTimeout = 10 * time.Second

type subscriber struct {
	q  remote.Query
	fn func(remote.Snapshot)
	dq *dispatch.Queue
}

// Gateway is a remote.Gateway over PostgreSQL.
type Gateway struct {
	db  *DB
	log *zap.Logger

	mu         sync.Mutex
	subs       map[remote.Handle]*subscriber
	stopListen context.CancelFunc
	listenDone chan struct{}
}

var _ remote.Gateway = (*Gateway)(nil)

// NewGateway constructs a Gateway.
func NewGateway(db *DB, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{db: db, log: log, subs: map[remote.Handle]*subscriber{}}
}

const (
	sqlRead   = `SELECT data, updated_at FROM documents WHERE collection=$1 AND id=$2`
	sqlQuery  = `SELECT id, data, updated_at FROM documents WHERE collection=$1 AND data @> $2::jsonb`
	sqlDelete = `DELETE FROM documents WHERE collection=$1 AND id=$2`
	sqlInsert = `
INSERT INTO documents (collection, id, data, updated_at)
VALUES ($1,$2,$3::jsonb,now())
ON CONFLICT (collection, id) DO NOTHING`
	sqlUpsert = `
INSERT INTO documents (collection, id, data, updated_at)
VALUES ($1,$2,$3::jsonb,now())
ON CONFLICT (collection, id)
DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`
)

// Read implements remote.Gateway.
func (g *Gateway) Read(ctx context.Context, collection, id string) (model.Document, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	op := fmt.Sprintf("read %s/%s", collection, id)
	if err := g.db.Pool.QueryRow(ctx, sqlRead, collection, id).Scan(&raw, &updatedAt); err != nil {
		return model.Document{}, classify(op, err)
	}
	fields, err := decode(raw)
	if err != nil {
		return model.Document{}, fmt.Errorf("%s: %w", op, err)
	}
	return model.Document{Collection: collection, ID: id, Fields: fields, UpdatedAt: updatedAt}, nil
}

// Write implements remote.Gateway as a shallow jsonb merge.
func (g *Gateway) Write(ctx context.Context, collection, id string, patch map[string]any) error {
	op := fmt.Sprintf("write %s/%s", collection, id)
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrValidation, err)
	}
	_, err = g.db.Pool.Exec(ctx, sqlUpsert, collection, id, string(raw))
	return classify(op, err)
}

// Create implements remote.Gateway.
func (g *Gateway) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	op := fmt.Sprintf("create %s/%s", collection, id)
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrValidation, err)
	}
	tag, err := g.db.Pool.Exec(ctx, sqlInsert, collection, id, string(raw))
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrAlreadyExists)
	}
	return nil
}

// Delete implements remote.Gateway.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	op := fmt.Sprintf("delete %s/%s", collection, id)
	tag, err := g.db.Pool.Exec(ctx, sqlDelete, collection, id)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	return nil
}

// Query runs q once.
func (g *Gateway) Query(ctx context.Context, q remote.Query) ([]model.Document, error) {
	filter := map[string]any{}
	for _, f := range q.Where {
		if f.Op != remote.OpEq {
			return nil, fmt.Errorf("query %s: operator %q: %w", q.Collection, f.Op, errs.ErrValidation)
		}
		filter[f.Field] = f.Value
	}
	rawFilter, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w: %w", q.Collection, errs.ErrValidation, err)
	}

	op := "query " + q.Collection
	rows, err := g.db.Pool.Query(ctx, sqlQuery, q.Collection, string(rawFilter))
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	docs := make([]model.Document, 0)
	for rows.Next() {
		var (
			id        string
			raw       []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&id, &raw, &updatedAt); err != nil {
			return nil, classify(op, err)
		}
		fields, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		docs = append(docs, model.Document{Collection: q.Collection, ID: id, Fields: fields, UpdatedAt: updatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return q.Apply(docs), nil
}

// Subscribe implements remote.Gateway. The first snapshot is queried right away; later
// ones follow every notification for q.Collection.
func (g *Gateway) Subscribe(ctx context.Context, q remote.Query, fn func(remote.Snapshot)) (remote.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	h := remote.Handle(id.String())
	sub := &subscriber{q: q, fn: fn, dq: dispatch.NewQueue(g.log, "postgres.subscription")}

	g.mu.Lock()
	g.subs[h] = sub
	if g.stopListen == nil {
		lctx, cancel := context.WithCancel(context.Background())
		g.stopListen = cancel
		g.listenDone = make(chan struct{})
		go g.listen(lctx, g.listenDone)
	}
	g.mu.Unlock()

	g.refresh(sub)
	return h, nil
}

// Close implements remote.Gateway. It does not wait for a running delivery.
func (g *Gateway) Close(h remote.Handle) {
	g.mu.Lock()
	sub, ok := g.subs[h]
	delete(g.subs, h)
	var stop context.CancelFunc
	if len(g.subs) == 0 && g.stopListen != nil {
		stop = g.stopListen
		g.stopListen = nil
	}
	g.mu.Unlock()
	if ok {
		sub.dq.Close()
	}
	if stop != nil {
		stop()
	}
}

// Shutdown closes every subscription and waits for the listener to exit.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	subs := g.subs
	g.subs = map[remote.Handle]*subscriber{}
	stop, done := g.stopListen, g.listenDone
	g.stopListen = nil
	g.mu.Unlock()
	for _, s := range subs {
		s.dq.Close()
	}
	if stop != nil {
		stop()
		<-done
	}
}

// refresh queues a re-query of sub; queries of one subscription run in order.
func (g *Gateway) refresh(sub *subscriber) {
	sub.dq.Push(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
		defer cancel()
		docs, err := g.Query(ctx, sub.q)
		if err != nil {
			g.log.Warn("live query failed", zap.String("collection", sub.q.Collection), zap.Error(err))
			sub.fn(remote.Snapshot{Err: err})
			return
		}
		sub.fn(remote.Snapshot{Docs: docs})
	})
}

func (g *Gateway) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	l, err := g.db.Listen(ctx)
	if err != nil {
		g.fail(ctx, classify("listen", err))
		return
	}
	defer l.Close()

	// Changes committed before LISTEN took effect produced no notification.
	g.mu.Lock()
	for _, sub := range g.subs {
		g.refresh(sub)
	}
	g.mu.Unlock()

	for {
		n, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.fail(ctx, classify("listen", err))
			return
		}
		g.mu.Lock()
		for _, sub := range g.subs {
			if sub.q.Collection == n.Payload {
				g.refresh(sub)
			}
		}
		g.mu.Unlock()
	}
}

// fail delivers a terminal error to every subscription served by the listener of ctx.
func (g *Gateway) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	g.mu.Lock()
	subs := g.subs
	g.subs = map[remote.Handle]*subscriber{}
	stop := g.stopListen
	g.stopListen = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}

	g.log.Error("listener lost, closing subscriptions", zap.Int("subscriptions", len(subs)), zap.Error(err))
	for _, sub := range subs {
		fn := sub.fn
		sub.dq.Push(func() { fn(remote.Snapshot{Err: err}) })
		sub.dq.Close()
	}
}

func decode(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}
