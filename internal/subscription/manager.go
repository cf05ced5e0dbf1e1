// Package subscription manages realtime listeners keyed by (name, owner): at most one
// open handle per key, replaced and torn down synchronously.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/dispatch"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

// Name identifies a kind of subscription.
type Name string

const (
	NameUnreadCount Name = "unread-count"
	NameComments    Name = "comments"
	NameTyping      Name = "typing"
)

// DefaultMaxPerOwner bounds the number of live subscriptions of a single owner.
const DefaultMaxPerOwner = 16

// Update is one delivery: the full current result set, or a terminal error with no docs.
// Receivers replace their whole view with Docs.
type Update struct {
	Docs []model.Document
	Err  error
}

type key struct {
	name  Name
	owner string
}

type entry struct {
	key      key
	onUpdate func(Update)

	mu     sync.Mutex // held while onUpdate runs
	active bool
	handle remote.Handle
}

// Manager is the registry of open subscriptions. It is the only component that opens or
// closes gateway handles for live queries.
type Manager struct {
	gw          remote.Gateway
	log         *zap.Logger
	maxPerOwner int

	mu     sync.Mutex
	subs   map[key]*entry
	closed bool
}

// NewManager constructs a Manager. maxPerOwner <= 0 selects DefaultMaxPerOwner.
func NewManager(gw remote.Gateway, log *zap.Logger, maxPerOwner int) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if maxPerOwner <= 0 {
		maxPerOwner = DefaultMaxPerOwner
	}
	return &Manager{gw: gw, log: log, maxPerOwner: maxPerOwner, subs: map[key]*entry{}}
}

// Subscribe opens a live query for (name, ownerID), closing any previous handle of that pair
// first. Once Subscribe returns, the previous callback is never invoked again.
//
// onUpdate runs on the gateway's delivery goroutine, one delivery at a time. It must not
// synchronously subscribe or unsubscribe its own (name, ownerID).
func (m *Manager) Subscribe(ctx context.Context, name Name, ownerID string, q remote.Query, onUpdate func(Update)) error {
	if name == "" || ownerID == "" || onUpdate == nil {
		return fmt.Errorf("subscribe: empty name/owner/callback: %w", errs.ErrValidation)
	}
	k := key{name: name, owner: ownerID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.ErrClosed
	}
	if n := m.countLocked(ownerID, k); n >= m.maxPerOwner {
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s/%s: owner has %d subscriptions: %w", name, ownerID, n, errs.ErrValidation)
	}
	// Registered before the handle exists so a concurrent teardown of the owner retires it.
	e := &entry{key: k, onUpdate: onUpdate, active: true}
	old := m.subs[k]
	m.subs[k] = e
	m.mu.Unlock()
	if old != nil {
		m.retire(old)
	}

	h, err := m.gw.Subscribe(ctx, q, func(s remote.Snapshot) { m.deliver(e, s) })
	if err != nil {
		m.mu.Lock()
		if m.subs[k] == e {
			delete(m.subs, k)
		}
		m.mu.Unlock()
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
		m.log.Warn("subscribe failed",
			zap.String("name", string(name)),
			zap.String("owner", ownerID),
			zap.Error(err),
		)
		return fmt.Errorf("subscribe %s/%s: %w", name, ownerID, err)
	}

	e.mu.Lock()
	e.handle = h
	alive := e.active
	e.mu.Unlock()
	if !alive {
		// retired while opening: replaced, torn down or ended by an error delivery
		m.gw.Close(h)
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return errs.ErrClosed
		}
		return nil
	}

	m.log.Debug("subscribed",
		zap.String("name", string(name)),
		zap.String("owner", ownerID),
		zap.String("collection", q.Collection),
	)
	return nil
}

// Unsubscribe closes the handle of (name, ownerID), if any.
func (m *Manager) Unsubscribe(name Name, ownerID string) {
	k := key{name: name, owner: ownerID}
	m.mu.Lock()
	e := m.subs[k]
	delete(m.subs, k)
	m.mu.Unlock()
	if e != nil {
		m.retire(e)
	}
}

// UnsubscribeAll closes every handle owned by ownerID and returns how many were closed.
func (m *Manager) UnsubscribeAll(ownerID string) int {
	m.mu.Lock()
	var owned []*entry
	for k, e := range m.subs {
		if k.owner == ownerID {
			owned = append(owned, e)
			delete(m.subs, k)
		}
	}
	m.mu.Unlock()

	for _, e := range owned {
		m.retire(e)
	}
	if len(owned) > 0 {
		m.log.Debug("unsubscribed owner", zap.String("owner", ownerID), zap.Int("count", len(owned)))
	}
	return len(owned)
}

// Active reports whether (name, ownerID) has a live subscription. Callers use it as the
// owner-liveness guard for work scheduled from a delivery.
func (m *Manager) Active(name Name, ownerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key{name: name, owner: ownerID}]
	return ok
}

// Count returns the number of live subscriptions of ownerID.
func (m *Manager) Count(ownerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(ownerID, key{})
}

// Close tears down every subscription; later Subscribe calls fail with errs.ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := m.subs
	m.subs = map[key]*entry{}
	m.mu.Unlock()
	for _, e := range all {
		m.retire(e)
	}
}

func (m *Manager) countLocked(ownerID string, except key) int {
	n := 0
	for k := range m.subs {
		if k.owner == ownerID && k != except {
			n++
		}
	}
	return n
}

// retire deactivates e, waiting for a running delivery to finish, then closes its handle.
func (m *Manager) retire(e *entry) {
	e.mu.Lock()
	e.active = false
	h := e.handle
	e.mu.Unlock()
	if h != "" {
		m.gw.Close(h)
	}
}

func (m *Manager) deliver(e *entry, s remote.Snapshot) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	dispatch.Safe(m.log, "subscription."+string(e.key.name), func() {
		e.onUpdate(Update{Docs: s.Docs, Err: s.Err})
	})
	terminal := s.Err != nil
	if terminal {
		e.active = false
	}
	h := e.handle
	e.mu.Unlock()

	if !terminal {
		return
	}
	m.log.Warn("subscription terminated",
		zap.String("name", string(e.key.name)),
		zap.String("owner", e.key.owner),
		zap.Error(s.Err),
	)
	m.mu.Lock()
	if m.subs[e.key] == e {
		delete(m.subs, e.key)
	}
	m.mu.Unlock()
	if h != "" {
		m.gw.Close(h)
	}
}
