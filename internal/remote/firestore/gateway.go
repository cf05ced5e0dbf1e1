// Package firestore implements remote.Gateway on Cloud Firestore. Live queries use the
// native snapshot listeners.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

type listener struct {
	cancel context.CancelFunc
	it     *firestore.QuerySnapshotIterator
}

// Gateway is a remote.Gateway over a Firestore client.
type Gateway struct {
	client *firestore.Client
	log    *zap.Logger

	mu   sync.Mutex
	subs map[remote.Handle]*listener
	wg   sync.WaitGroup
}

var _ remote.Gateway = (*Gateway)(nil)

// New opens a client for projectID. With FIRESTORE_EMULATOR_HOST set the client talks to
// the emulator.
func New(ctx context.Context, projectID string, log *zap.Logger) (*Gateway, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return NewGateway(client, log), nil
}

// NewGateway wraps an existing client.
func NewGateway(client *firestore.Client, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{client: client, log: log, subs: map[remote.Handle]*listener{}}
}

// Read implements remote.Gateway.
func (g *Gateway) Read(ctx context.Context, collection, id string) (model.Document, error) {
	snap, err := g.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return model.Document{}, classify(fmt.Sprintf("read %s/%s", collection, id), err)
	}
	return toDocument(collection, snap), nil
}

// Write implements remote.Gateway.
func (g *Gateway) Write(ctx context.Context, collection, id string, patch map[string]any) error {
	_, err := g.client.Collection(collection).Doc(id).Set(ctx, patch, firestore.MergeAll)
	return classify(fmt.Sprintf("write %s/%s", collection, id), err)
}

// Create implements remote.Gateway.
func (g *Gateway) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := g.client.Collection(collection).Doc(id).Create(ctx, fields)
	return classify(fmt.Sprintf("create %s/%s", collection, id), err)
}

// Delete implements remote.Gateway. A missing document is reported as not found.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	_, err := g.client.Collection(collection).Doc(id).Delete(ctx, firestore.Exists)
	return classify(fmt.Sprintf("delete %s/%s", collection, id), err)
}

// Subscribe implements remote.Gateway. Snapshots are delivered from one goroutine per
// handle, in the order Firestore produces them.
func (g *Gateway) Subscribe(ctx context.Context, q remote.Query, fn func(remote.Snapshot)) (remote.Handle, error) {
	fq, err := buildQuery(g.client.Collection(q.Collection).Query, q)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	h := remote.Handle(id.String())

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &listener{cancel: cancel, it: fq.Snapshots(lctx)}
	g.mu.Lock()
	g.subs[h] = l
	g.mu.Unlock()

	g.wg.Add(1)
	go g.run(lctx, h, q, l, fn)
	return h, nil
}

func (g *Gateway) run(ctx context.Context, h remote.Handle, q remote.Query, l *listener, fn func(remote.Snapshot)) {
	defer g.wg.Done()
	defer l.it.Stop()
	for {
		snap, err := l.it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled {
				return
			}
			g.mu.Lock()
			delete(g.subs, h)
			g.mu.Unlock()
			err = classify("listen "+q.Collection, err)
			g.log.Warn("listener failed", zap.String("collection", q.Collection), zap.Error(err))
			fn(remote.Snapshot{Err: err})
			return
		}
		docs, err := collect(q.Collection, snap.Documents)
		if err != nil {
			fn(remote.Snapshot{Err: classify("listen "+q.Collection, err)})
			continue
		}
		fn(remote.Snapshot{Docs: docs})
	}
}

// Close implements remote.Gateway. It does not wait for a running delivery.
func (g *Gateway) Close(h remote.Handle) {
	g.mu.Lock()
	l, ok := g.subs[h]
	delete(g.subs, h)
	g.mu.Unlock()
	if ok {
		l.cancel()
	}
}

// Shutdown stops every listener, waits for them and closes the client.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	subs := g.subs
	g.subs = map[remote.Handle]*listener{}
	g.mu.Unlock()
	for _, l := range subs {
		l.cancel()
	}
	g.wg.Wait()
	return g.client.Close()
}

func buildQuery(fq firestore.Query, q remote.Query) (firestore.Query, error) {
	for _, f := range q.Where {
		if f.Op != remote.OpEq {
			return fq, fmt.Errorf("query %s: operator %q: %w", q.Collection, f.Op, errs.ErrValidation)
		}
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	if q.OrderBy != "" {
		fq = fq.OrderBy(q.OrderBy, firestore.Asc)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq, nil
}

func collect(collection string, it *firestore.DocumentIterator) ([]model.Document, error) {
	defer it.Stop()
	docs := make([]model.Document, 0)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, toDocument(collection, snap))
	}
}

func toDocument(collection string, snap *firestore.DocumentSnapshot) model.Document {
	return model.Document{
		Collection: collection,
		ID:         snap.Ref.ID,
		Fields:     snap.Data(),
		UpdatedAt:  snap.UpdateTime,
	}
}

// classify maps gRPC status codes onto the gateway sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", op, errs.ErrAlreadyExists)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%s: %w: %w", op, errs.ErrPermission, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%s: %w: %w", op, errs.ErrValidation, err)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrTransient, err)
}
