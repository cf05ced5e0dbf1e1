// Package memory implements remote.Gateway in process, with an optional propagation delay
// that reproduces the read-after-write gap of the real store and hooks for fault injection.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/dispatch"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

// Op names an operation for fault injection.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// FaultFunc may return an error to fail an operation before it touches the data.
type FaultFunc func(op Op, collection, id string) error

type stored struct {
	fields    map[string]any
	updatedAt time.Time
	visibleAt time.Time
}

type subscriber struct {
	q  remote.Query
	fn func(remote.Snapshot)
	dq *dispatch.Queue
}

// Gateway is an in-memory remote.Gateway.
type Gateway struct {
	log *zap.Logger

	mu     sync.Mutex
	docs   map[string]map[string]*stored
	subs   map[remote.Handle]*subscriber
	reads  map[string]int
	delay  time.Duration
	fault  FaultFunc
	now    func() time.Time
	timers []*time.Timer
}

var _ remote.Gateway = (*Gateway)(nil)

// New constructs an empty gateway.
func New(log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		log:   log,
		docs:  map[string]map[string]*stored{},
		subs:  map[remote.Handle]*subscriber{},
		reads: map[string]int{},
		now:   time.Now,
	}
}

// SetPropagationDelay makes later writes invisible to reads and subscriptions for d.
func (g *Gateway) SetPropagationDelay(d time.Duration) {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
}

// SetFault installs (or clears, with nil) a fault hook.
func (g *Gateway) SetFault(f FaultFunc) {
	g.mu.Lock()
	g.fault = f
	g.mu.Unlock()
}

// SetClock overrides the time source used for visibility and timestamps.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Reads returns how many Read calls hit collection/id.
func (g *Gateway) Reads(collection, id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads[collection+"/"+id]
}

// Put stores a document visible at once, bypassing faults and delay.
func (g *Gateway) Put(collection, id string, fields map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.coll(collection)[id] = &stored{fields: maps.Clone(fields), updatedAt: now, visibleAt: now}
	g.notifyLocked(collection)
}

// Read implements remote.Gateway.
func (g *Gateway) Read(ctx context.Context, collection, id string) (model.Document, error) {
	if err := ctx.Err(); err != nil {
		return model.Document{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads[collection+"/"+id]++
	if err := g.faultLocked(OpRead, collection, id); err != nil {
		return model.Document{}, err
	}
	s, ok := g.docs[collection][id]
	if !ok || g.now().Before(s.visibleAt) {
		return model.Document{}, fmt.Errorf("read %s/%s: %w", collection, id, errs.ErrNotFound)
	}
	return toDoc(collection, id, s), nil
}

// Write implements remote.Gateway.
func (g *Gateway) Write(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.faultLocked(OpWrite, collection, id); err != nil {
		return err
	}
	now := g.now()
	c := g.coll(collection)
	s, ok := c[id]
	if !ok {
		s = &stored{fields: map[string]any{}, visibleAt: now.Add(g.delay)}
		c[id] = s
	} else {
		s.fields = maps.Clone(s.fields)
	}
	maps.Copy(s.fields, patch)
	s.updatedAt = now
	g.scheduleNotifyLocked(collection, s.visibleAt.Sub(now))
	return nil
}

// Create implements remote.Gateway. A document written but not yet visible still counts as taken.
func (g *Gateway) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.faultLocked(OpWrite, collection, id); err != nil {
		return err
	}
	c := g.coll(collection)
	if _, ok := c[id]; ok {
		return fmt.Errorf("create %s/%s: %w", collection, id, errs.ErrAlreadyExists)
	}
	now := g.now()
	c[id] = &stored{fields: maps.Clone(fields), updatedAt: now, visibleAt: now.Add(g.delay)}
	g.scheduleNotifyLocked(collection, g.delay)
	return nil
}

// Delete implements remote.Gateway.
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.faultLocked(OpDelete, collection, id); err != nil {
		return err
	}
	if _, ok := g.docs[collection][id]; !ok {
		return fmt.Errorf("delete %s/%s: %w", collection, id, errs.ErrNotFound)
	}
	delete(g.docs[collection], id)
	g.notifyLocked(collection)
	return nil
}

// Subscribe implements remote.Gateway. The first snapshot is delivered right away.
func (g *Gateway) Subscribe(ctx context.Context, q remote.Query, fn func(remote.Snapshot)) (remote.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if q.Collection == "" || fn == nil {
		return "", fmt.Errorf("subscribe: empty collection or callback: %w", errs.ErrValidation)
	}
	h := remote.Handle(uuid.Must(uuid.NewV4()).String())
	sub := &subscriber{q: q, fn: fn, dq: dispatch.NewQueue(g.log, "memory.subscription")}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs[h] = sub
	snap := g.snapshotLocked(q)
	sub.dq.Push(func() { fn(snap) })
	return h, nil
}

// Close implements remote.Gateway.
func (g *Gateway) Close(h remote.Handle) {
	g.mu.Lock()
	sub, ok := g.subs[h]
	delete(g.subs, h)
	g.mu.Unlock()
	if ok {
		sub.dq.Close()
	}
}

// Break delivers err to every subscription on collection, as the store does when access is revoked.
func (g *Gateway) Break(collection string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs {
		if sub.q.Collection == collection {
			fn := sub.fn
			sub.dq.Push(func() { fn(remote.Snapshot{Err: err}) })
		}
	}
}

// Subscriptions returns the number of open handles.
func (g *Gateway) Subscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Shutdown stops pending visibility timers and closes all handles.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
	subs := g.subs
	g.subs = map[remote.Handle]*subscriber{}
	g.mu.Unlock()
	for _, s := range subs {
		s.dq.Close()
	}
}

func (g *Gateway) coll(name string) map[string]*stored {
	c, ok := g.docs[name]
	if !ok {
		c = map[string]*stored{}
		g.docs[name] = c
	}
	return c
}

func (g *Gateway) faultLocked(op Op, collection, id string) error {
	if g.fault == nil {
		return nil
	}
	return g.fault(op, collection, id)
}

func (g *Gateway) scheduleNotifyLocked(collection string, after time.Duration) {
	if after <= 0 {
		g.notifyLocked(collection)
		return
	}
	t := time.AfterFunc(after, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.notifyLocked(collection)
	})
	g.timers = append(g.timers, t)
}

func (g *Gateway) notifyLocked(collection string) {
	for _, sub := range g.subs {
		if sub.q.Collection != collection {
			continue
		}
		snap := g.snapshotLocked(sub.q)
		fn := sub.fn
		sub.dq.Push(func() { fn(snap) })
	}
}

func (g *Gateway) snapshotLocked(q remote.Query) remote.Snapshot {
	now := g.now()
	docs := make([]model.Document, 0)
	for id, s := range g.docs[q.Collection] {
		if now.Before(s.visibleAt) || !q.Matches(s.fields) {
			continue
		}
		docs = append(docs, toDoc(q.Collection, id, s))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return remote.Snapshot{Docs: q.Apply(docs)}
}

func toDoc(collection, id string, s *stored) model.Document {
	return model.Document{Collection: collection, ID: id, Fields: maps.Clone(s.fields), UpdatedAt: s.updatedAt}
}
