package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
	"github.com/and161185/fitsync/internal/remote/memory"
	"github.com/and161185/fitsync/internal/subscription"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSetTyping_WriteAndDelete(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	p := NewProtocol(gw, nil, nil, clock.Now)

	require.NoError(t, p.SetTyping(ctx, "post1", "alice", "Alice", true))
	doc, err := gw.Read(ctx, model.CollectionTyping, RecordID("post1", "alice"))
	require.NoError(t, err)
	rec := model.TypingFromDocument(doc)
	assert.Equal(t, "Alice", rec.UserName)
	assert.True(t, rec.LastActiveAt.Equal(clock.Now()))

	require.NoError(t, p.SetTyping(ctx, "post1", "alice", "Alice", false))
	_, err = gw.Read(ctx, model.CollectionTyping, RecordID("post1", "alice"))
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, p.SetTyping(ctx, "post1", "alice", "Alice", false), "already gone")
	require.ErrorIs(t, p.SetTyping(ctx, "", "alice", "Alice", true), errs.ErrValidation)
}

func TestActiveTypers(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []model.TypingRecord{
		{UserID: "carol", UserName: "Carol", LastActiveAt: now.Add(-time.Second)},
		{UserID: "me", UserName: "Me", LastActiveAt: now},
		{UserID: "bob", UserName: "Bob", LastActiveAt: now.Add(-4 * time.Second)},
		{UserID: "dave", UserName: "Dave", LastActiveAt: now.Add(-model.TypingWindow)},
	}

	got := ActiveTypers(records, now, "me")
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].UserID)
	assert.Equal(t, "carol", got[1].UserID)

	assert.Empty(t, ActiveTypers(records, now.Add(10*time.Second), "me"))
}

func TestWatch_ExpiresWithoutNewDelivery(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	subs := subscription.NewManager(gw, nil, 0)
	defer subs.Close()
	p := NewProtocol(gw, subs, nil, nil)

	gw.Put(model.CollectionTyping, RecordID("post1", "bob"), map[string]any{
		"subjectId":    "post1",
		"userId":       "bob",
		"userName":     "Bob",
		"lastActiveAt": time.Now().UTC().Add(-model.TypingWindow + 150*time.Millisecond),
	})

	got := make(chan []model.TypingRecord, 8)
	require.NoError(t, p.Watch(ctx, "alice", "post1", "alice", func(recs []model.TypingRecord, err error) {
		assert.NoError(t, err)
		got <- recs
	}))

	select {
	case recs := <-got:
		require.Len(t, recs, 1)
		assert.Equal(t, "Bob", recs[0].UserName)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial delivery")
	}
	select {
	case recs := <-got:
		assert.Empty(t, recs, "stale record drops out on its own")
	case <-time.After(2 * time.Second):
		t.Fatal("expiry never re-evaluated")
	}
}

func TestWatch_UnwatchStopsExpiryTimer(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	subs := subscription.NewManager(gw, nil, 0)
	defer subs.Close()
	p := NewProtocol(gw, subs, nil, nil)

	gw.Put(model.CollectionTyping, RecordID("post1", "bob"), map[string]any{
		"subjectId":    "post1",
		"userId":       "bob",
		"userName":     "Bob",
		"lastActiveAt": time.Now().UTC().Add(-model.TypingWindow + 100*time.Millisecond),
	})

	got := make(chan []model.TypingRecord, 8)
	require.NoError(t, p.Watch(ctx, "alice", "post1", "alice", func(recs []model.TypingRecord, _ error) {
		got <- recs
	}))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial delivery")
	}
	p.Unwatch("alice")
	assert.False(t, subs.Active(subscription.NameTyping, "alice"))

	select {
	case recs := <-got:
		t.Fatalf("delivery after unwatch: %v", recs)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTypist_Debounce(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	var mu sync.Mutex
	writes, deletes := 0, 0
	gw.SetFault(func(op memory.Op, collection, _ string) error {
		if collection != model.CollectionTyping {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		switch op {
		case memory.OpWrite:
			writes++
		case memory.OpDelete:
			deletes++
		}
		return nil
	})
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	p := NewProtocol(gw, nil, nil, clock.Now)
	ty := p.NewTypist("post1", "alice", "Alice", 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, ty.Keystroke(ctx))
		clock.Advance(700 * time.Millisecond)
	}
	require.NoError(t, ty.Keystroke(ctx))
	require.NoError(t, ty.Stop(ctx))
	require.NoError(t, ty.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, writes, "one write at start, one after the refresh interval")
	assert.Equal(t, 1, deletes)
}

// refusingSubs fails every Subscribe.
type refusingSubs struct{ err error }

var _ Subscriber = refusingSubs{}

func (r refusingSubs) Subscribe(context.Context, subscription.Name, string, remote.Query, func(subscription.Update)) error {
	return r.err
}
func (refusingSubs) Unsubscribe(subscription.Name, string) {}
func (refusingSubs) Active(subscription.Name, string) bool { return false }

func TestWatch_FailedSubscribeLeavesNoWatch(t *testing.T) {
	p := NewProtocol(memory.New(nil), refusingSubs{err: errs.ErrPermission}, nil, nil)

	err := p.Watch(context.Background(), "view1", "post1", "alice", func([]model.TypingRecord, error) {
		t.Error("callback after failed subscribe")
	})
	require.ErrorIs(t, err, errs.ErrPermission)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.watches)
}
