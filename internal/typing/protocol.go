// Package typing implements ephemeral "is typing" presence: writers refresh a record while
// the user types, readers keep only records younger than model.TypingWindow.
package typing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
	"github.com/and161185/fitsync/internal/subscription"
)

// DefaultRefreshInterval is how often a Typist re-announces continued typing.
const DefaultRefreshInterval = 3 * time.Second

// Subscriber is the part of the subscription registry the protocol uses.
type Subscriber interface {
	Subscribe(ctx context.Context, name subscription.Name, ownerID string, q remote.Query, onUpdate func(subscription.Update)) error
	Unsubscribe(name subscription.Name, ownerID string)
	Active(name subscription.Name, ownerID string) bool
}

// Protocol writes and reads typing records.
type Protocol struct {
	gw   remote.Gateway
	subs Subscriber
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	watches map[string]*watchState // current watch per owner
}

// NewProtocol constructs a Protocol. now defaults to time.Now.
func NewProtocol(gw remote.Gateway, subs Subscriber, log *zap.Logger, now func() time.Time) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Protocol{gw: gw, subs: subs, log: log, now: now, watches: map[string]*watchState{}}
}

// RecordID is the id of the typing record of userID on subjectID.
func RecordID(subjectID, userID string) string { return subjectID + "_" + userID }

// SetTyping upserts the record with lastActiveAt = now, or removes it when isTyping is false.
// Removing a record that already expired away is not an error.
func (p *Protocol) SetTyping(ctx context.Context, subjectID, userID, userName string, isTyping bool) error {
	if subjectID == "" || userID == "" {
		return fmt.Errorf("set typing: empty subject/user: %w", errs.ErrValidation)
	}
	id := RecordID(subjectID, userID)
	if isTyping {
		return p.gw.Write(ctx, model.CollectionTyping, id, map[string]any{
			"subjectId":    subjectID,
			"userId":       userID,
			"userName":     userName,
			"lastActiveAt": p.now().UTC(),
		})
	}
	if err := p.gw.Delete(ctx, model.CollectionTyping, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return nil
}

// ActiveTypers filters records active at now, excluding selfID, ordered by name.
func ActiveTypers(records []model.TypingRecord, now time.Time, selfID string) []model.TypingRecord {
	out := make([]model.TypingRecord, 0, len(records))
	for _, r := range records {
		if r.UserID == selfID || !r.IsActive(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

type watchState struct {
	mu    sync.Mutex
	gen   int
	timer *time.Timer
}

// Watch subscribes ownerID to the typing records of subjectID. fn receives the active typers
// (other than selfID) on every delivery and again when the earliest of them expires.
// A subscription error reaches fn once and ends the watch.
func (p *Protocol) Watch(ctx context.Context, ownerID, subjectID, selfID string, fn func([]model.TypingRecord, error)) error {
	ws := &watchState{}
	p.mu.Lock()
	p.watches[ownerID] = ws
	p.mu.Unlock()

	q := remote.Where(model.CollectionTyping, "subjectId", subjectID)
	err := p.subs.Subscribe(ctx, subscription.NameTyping, ownerID, q, func(u subscription.Update) {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		ws.gen++
		if ws.timer != nil {
			ws.timer.Stop()
			ws.timer = nil
		}
		if u.Err != nil {
			fn(nil, u.Err)
			return
		}
		records := make([]model.TypingRecord, 0, len(u.Docs))
		for _, d := range u.Docs {
			records = append(records, model.TypingFromDocument(d))
		}
		p.evaluateLocked(ws, ownerID, selfID, records, fn)
	})
	if err != nil {
		p.mu.Lock()
		if p.watches[ownerID] == ws {
			delete(p.watches, ownerID)
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Unwatch ends the typing subscription of ownerID.
func (p *Protocol) Unwatch(ownerID string) {
	p.mu.Lock()
	delete(p.watches, ownerID)
	p.mu.Unlock()
	p.subs.Unsubscribe(subscription.NameTyping, ownerID)
}

// current reports whether ws is still the live watch of ownerID.
func (p *Protocol) current(ownerID string, ws *watchState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watches[ownerID] == ws && p.subs.Active(subscription.NameTyping, ownerID)
}

func (p *Protocol) evaluateLocked(ws *watchState, ownerID, selfID string, records []model.TypingRecord, fn func([]model.TypingRecord, error)) {
	now := p.now()
	active := ActiveTypers(records, now, selfID)
	fn(active, nil)
	if len(active) == 0 {
		return
	}

	next := active[0].LastActiveAt.Add(model.TypingWindow)
	for _, r := range active[1:] {
		if exp := r.LastActiveAt.Add(model.TypingWindow); exp.Before(next) {
			next = exp
		}
	}
	gen := ws.gen
	ws.timer = time.AfterFunc(next.Sub(now), func() {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if ws.gen != gen || !p.current(ownerID, ws) {
			return
		}
		p.evaluateLocked(ws, ownerID, selfID, records, fn)
	})
}

// Typist debounces local keystrokes into periodic SetTyping calls.
type Typist struct {
	p         *Protocol
	subjectID string
	userID    string
	userName  string
	interval  time.Duration

	mu     sync.Mutex
	last   time.Time
	active bool
}

// NewTypist constructs a Typist. interval <= 0 selects DefaultRefreshInterval.
func (p *Protocol) NewTypist(subjectID, userID, userName string, interval time.Duration) *Typist {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Typist{p: p, subjectID: subjectID, userID: userID, userName: userName, interval: interval}
}

// Keystroke announces typing, at most once per interval.
func (t *Typist) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	now := t.p.now()
	if t.active && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return nil
	}
	t.active, t.last = true, now
	t.mu.Unlock()
	return t.p.SetTyping(ctx, t.subjectID, t.userID, t.userName, true)
}

// Stop clears the record eagerly, on blur or send.
func (t *Typist) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	t.mu.Unlock()
	return t.p.SetTyping(ctx, t.subjectID, t.userID, t.userName, false)
}
