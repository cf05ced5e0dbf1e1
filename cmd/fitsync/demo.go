package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/subscription"
)

// eventLog writes one JSON object per line; it is shared by callback goroutines.
type eventLog struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventLog(w io.Writer) *eventLog { return &eventLog{enc: json.NewEncoder(w)} }

func (l *eventLog) emit(event string, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{event, data})
}

func waitUntil(ctx context.Context, what string, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// runDemo drives one scripted session: a coach posts, a member signs up, likes, follows,
// comments and watches typing and unread notifications.
func runDemo(ctx context.Context, a *app, out io.Writer) error {
	ev := newEventLog(out)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	coach, _, err := a.idp.Register(ctx, "coach@fitsync.dev", "coach-password", "Coach Kim")
	if err != nil {
		return fmt.Errorf("register coach: %w", err)
	}
	if err := waitUntil(ctx, "coach session", func() bool { return a.sess.Snapshot().PrincipalID == coach.ID && a.sess.Snapshot().State == model.StateReady }); err != nil {
		return err
	}
	if err := a.gw.Write(ctx, model.CollectionUsers, coach.ID, map[string]any{"role": string(model.RoleCoach)}); err != nil {
		return err
	}
	post := "post-" + coach.ID[:8]
	err = a.gw.Write(ctx, model.CollectionPosts, post, map[string]any{
		"authorId":  coach.ID,
		"title":     "Tempo run, 8 km",
		"likeCount": 0,
		"createdAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	a.sess.SignOut(ctx)

	stopSession := a.sess.Watch(func(s model.Session) {
		ev.emit("session", map[string]any{
			"state":         s.State.String(),
			"authenticated": s.IsAuthenticated,
			"role":          s.Role,
			"principal":     s.PrincipalID,
		})
	})
	defer stopSession()

	member, tok, err := a.idp.Register(ctx, "ann@fitsync.dev", "member-password", "Ann")
	if err != nil {
		return fmt.Errorf("register member: %w", err)
	}
	ev.emit("registered", map[string]any{"principal": member.ID, "expiresAt": tok.ExpiresAt})
	if err := waitUntil(ctx, "member session", func() bool { return a.sess.Snapshot().State == model.StateReady }); err != nil {
		return err
	}

	view := "post-view:" + member.ID
	a.sess.TrackOwner(view)
	watchErr := func(name string) func(error) {
		return func(err error) { ev.emit(name+".error", err.Error()) }
	}
	err = a.feed.WatchComments(ctx, view, post, func(cs []model.Comment, err error) {
		if err != nil {
			watchErr("comments")(err)
			return
		}
		ev.emit("comments", cs)
	})
	if err != nil {
		return err
	}
	err = a.feed.WatchUnread(ctx, member.ID, member.ID, func(c model.UnreadCounter, err error) {
		if err != nil {
			watchErr("unread")(err)
		}
		ev.emit("unread", c.Value)
	})
	if err != nil {
		return err
	}
	err = a.typing.Watch(ctx, view, post, member.ID, func(recs []model.TypingRecord, err error) {
		if err != nil {
			watchErr("typing")(err)
			return
		}
		names := make([]string, 0, len(recs))
		for _, r := range recs {
			names = append(names, r.UserName)
		}
		ev.emit("typing", names)
	})
	if err != nil {
		return err
	}

	stopLikes := a.likes.Watch(func(st model.InteractionState, err error) {
		if err != nil {
			watchErr("like")(err)
		}
		ev.emit("like", st)
	})
	defer stopLikes()
	a.likes.Seed(post, member.ID, false, 0)
	for i := 0; i < 3; i++ {
		if _, err := a.likes.Toggle(post, member.ID, false); err != nil {
			return err
		}
	}
	coachDoc, err := a.gw.Read(ctx, model.CollectionUsers, coach.ID)
	if err != nil {
		return fmt.Errorf("load coach: %w", err)
	}
	a.follows.Seed(coach.ID, member.ID, false, model.Int(coachDoc.Fields, "followerCount"))
	if _, err := a.follows.Toggle(coach.ID, member.ID, false); err != nil {
		return err
	}
	if err := a.likes.Flush(ctx); err != nil {
		return err
	}
	if err := a.follows.Flush(ctx); err != nil {
		return err
	}

	typist := a.typing.NewTypist(post, member.ID, "Ann", a.cfg.TypingRefresh)
	if err := typist.Keystroke(ctx); err != nil {
		return err
	}
	if err := a.typing.SetTyping(ctx, post, coach.ID, "Coach Kim", true); err != nil {
		return err
	}
	if _, err := a.feed.AddComment(ctx, post, member.ID, "Ann", "Great pace!"); err != nil {
		return err
	}
	if err := typist.Stop(ctx); err != nil {
		return err
	}
	n, err := a.feed.Notify(ctx, member.ID, "reply", post)
	if err != nil {
		return err
	}
	time.Sleep(a.cfg.PropagationDelay + 200*time.Millisecond)
	if err := a.feed.MarkRead(ctx, n.ID); err != nil {
		return err
	}

	if err := a.sess.SendVerificationEmail(ctx); err != nil {
		a.log.Warn("verification email", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)

	a.typing.Unwatch(view)
	a.feed.UnwatchComments(view)
	a.sess.UntrackOwner(view)
	ev.emit("view_closed", map[string]any{"view": view, "remaining": a.subs.Count(view)})

	live := a.subs.Count(view) + a.subs.Count(member.ID)
	a.sess.SignOut(ctx)
	ev.emit("signed_out", map[string]any{
		"closedSubscriptions": live,
		"remaining":           a.subs.Count(view) + a.subs.Count(member.ID),
		"typingActive":        a.subs.Active(subscription.NameTyping, view),
	})
	return nil
}
