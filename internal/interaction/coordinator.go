// Package interaction applies toggle interactions (like/unlike, follow/unfollow) optimistically
// and reconciles them with the outcome of the remote write.
//
// Policy for toggles that arrive while a write is in flight: queued serialization. Every
// toggle is applied to the local state at once and its write is queued behind the in-flight
// one, so writes for a (subject, actor) pair land strictly in order. A failed write discards
// the writes queued behind it and restores the last committed state.
package interaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/dispatch"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
)

// DefaultWriteTimeout bounds a single remote write.
const DefaultWriteTimeout = 15 * time.Second

// Mutation is the desired end state a remote write must establish.
type Mutation struct {
	SubjectID string
	ActorID   string
	Value     bool
	Counter   int
}

// Effect performs the remote write for a mutation.
type Effect func(ctx context.Context, m Mutation) error

// MutationError reports a rolled back toggle. It is recoverable: the user can retry.
type MutationError struct {
	SubjectID string
	ActorID   string
	Err       error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("toggle %s by %s: %v", e.SubjectID, e.ActorID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

type pairKey struct {
	subject string
	actor   string
}

type pair struct {
	state            model.InteractionState
	committedValue   bool
	committedCounter int
	queue            []Mutation // accepted, not yet issued
	inflight         bool
}

// Coordinator owns the InteractionState of every (subject, actor) pair it has seen.
type Coordinator struct {
	effect  Effect
	log     *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  *dispatch.Queue

	mu        sync.Mutex
	pairs     map[pairKey]*pair
	watchers  map[int]func(model.InteractionState, error)
	nextWatch int
	busy      int
	idle      chan struct{}
}

// NewCoordinator constructs a Coordinator issuing writes through effect.
// timeout <= 0 selects DefaultWriteTimeout.
func NewCoordinator(effect Effect, log *zap.Logger, timeout time.Duration) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		effect:   effect,
		log:      log,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		queue:    dispatch.NewQueue(log, "interaction.watch"),
		pairs:    map[pairKey]*pair{},
		watchers: map[int]func(model.InteractionState, error){},
		idle:     idle,
	}
}

// Seed sets the committed value and counter of a pair, e.g. from a freshly loaded post.
// It is ignored while the pair has a write in flight.
func (c *Coordinator) Seed(subjectID, actorID string, value bool, counter int) bool {
	return c.Reconcile(subjectID, actorID, value, counter)
}

// Reconcile adopts a value delivered by the store. While the pair is pending the local
// optimistic state takes precedence and the delivery is ignored. A counter that cannot hold
// value (negative, or zero while value is set) is rejected.
func (c *Coordinator) Reconcile(subjectID, actorID string, value bool, counter int) bool {
	if !consistent(value, counter) {
		c.log.Warn("inconsistent interaction state rejected",
			zap.String("subject", subjectID),
			zap.String("actor", actorID),
			zap.Bool("value", value),
			zap.Int("counter", counter),
		)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := pairKey{subject: subjectID, actor: actorID}
	p, ok := c.pairs[k]
	if !ok {
		p = &pair{state: model.InteractionState{SubjectID: subjectID, ActorID: actorID}}
		c.pairs[k] = p
	}
	if p.inflight {
		return false
	}
	p.committedValue, p.committedCounter = value, counter
	p.state.LocalValue, p.state.LocalCounter = p.committedValue, p.committedCounter
	c.publishLocked(p.state, nil)
	return true
}

// ReconcileCounter adopts a delivered counter for every idle pair of subjectID.
func (c *Coordinator) ReconcileCounter(subjectID string, counter int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, p := range c.pairs {
		if k.subject != subjectID || p.inflight || !consistent(p.committedValue, counter) {
			continue
		}
		p.committedCounter = counter
		p.state.LocalCounter = p.committedCounter
		c.publishLocked(p.state, nil)
		n++
	}
	return n
}

// Toggle flips the pair locally before any I/O and schedules the remote write. The pair must
// have been seeded or reconciled first: the write carries the counter, so an unknown one
// would overwrite the stored value. current is the value the caller displays; the local
// state stays authoritative when they differ.
// The returned state is the optimistic one; the outcome arrives through Watch.
func (c *Coordinator) Toggle(subjectID, actorID string, current bool) (model.InteractionState, error) {
	if actorID == "" {
		return model.InteractionState{}, fmt.Errorf("toggle %s: no authenticated actor: %w", subjectID, errs.ErrValidation)
	}
	if subjectID == "" {
		return model.InteractionState{}, fmt.Errorf("toggle: empty subject: %w", errs.ErrValidation)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return model.InteractionState{}, errs.ErrClosed
	}
	k := pairKey{subject: subjectID, actor: actorID}
	p, ok := c.pairs[k]
	if !ok {
		c.mu.Unlock()
		return model.InteractionState{}, fmt.Errorf("toggle %s by %s: state not loaded: %w", subjectID, actorID, errs.ErrValidation)
	}
	if p.state.LocalValue != current {
		c.log.Debug("toggle from stale view",
			zap.String("subject", subjectID),
			zap.String("actor", actorID),
			zap.Bool("local", p.state.LocalValue),
		)
	}

	p.state.LocalValue = !p.state.LocalValue
	if p.state.LocalValue {
		p.state.LocalCounter++
	} else {
		p.state.LocalCounter--
	}
	p.state.Pending = true
	p.queue = append(p.queue, Mutation{
		SubjectID: subjectID,
		ActorID:   actorID,
		Value:     p.state.LocalValue,
		Counter:   p.state.LocalCounter,
	})
	st := p.state
	start := !p.inflight
	if start {
		p.inflight = true
		c.busyLocked()
	}
	c.publishLocked(st, nil)
	c.mu.Unlock()

	if start {
		go c.drain(k)
	}
	return st, nil
}

// State returns the local state of a pair.
func (c *Coordinator) State(subjectID, actorID string) (model.InteractionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pairs[pairKey{subject: subjectID, actor: actorID}]
	if !ok {
		return model.InteractionState{}, false
	}
	return p.state, true
}

// Watch registers fn for every state change. err is a *MutationError when a write was rolled back.
func (c *Coordinator) Watch(fn func(model.InteractionState, error)) (cancel func()) {
	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Flush waits until no pair has a pending write.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts in-flight writes (rolling them back), waits for them and stops Watch delivery.
func (c *Coordinator) Close() {
	c.cancel()
	_ = c.Flush(context.Background())
	c.queue.Close()
}

func (c *Coordinator) drain(k pairKey) {
	for {
		c.mu.Lock()
		p := c.pairs[k]
		mut := p.queue[0]
		p.queue = p.queue[1:]
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		err := c.effect(ctx, mut)
		cancel()

		c.mu.Lock()
		if err != nil {
			dropped := len(p.queue)
			p.queue = nil
			p.state.LocalValue, p.state.LocalCounter = p.committedValue, p.committedCounter
			p.state.Pending = false
			p.inflight = false
			merr := &MutationError{SubjectID: k.subject, ActorID: k.actor, Err: err}
			c.publishLocked(p.state, merr)
			c.idleLocked()
			c.mu.Unlock()
			c.log.Warn("toggle rolled back",
				zap.String("subject", k.subject),
				zap.String("actor", k.actor),
				zap.Int("dropped", dropped),
				zap.Error(err),
			)
			return
		}

		p.committedValue, p.committedCounter = mut.Value, mut.Counter
		if len(p.queue) > 0 {
			c.mu.Unlock()
			continue
		}
		p.state.Pending = false
		p.inflight = false
		c.publishLocked(p.state, nil)
		c.idleLocked()
		c.mu.Unlock()
		return
	}
}

// consistent reports whether counter can include the actor's own interaction when value is set.
func consistent(value bool, counter int) bool {
	if value {
		return counter >= 1
	}
	return counter >= 0
}

func (c *Coordinator) busyLocked() {
	if c.busy == 0 {
		c.idle = make(chan struct{})
	}
	c.busy++
}

func (c *Coordinator) idleLocked() {
	c.busy--
	if c.busy == 0 {
		close(c.idle)
	}
}

func (c *Coordinator) publishLocked(st model.InteractionState, err error) {
	for _, fn := range c.watchers {
		fn := fn
		c.queue.Push(func() { fn(st, err) })
	}
}
