package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

// RecordSpec describes a toggle stored as an interaction record plus a last-writer-wins counter.
type RecordSpec struct {
	Collection        string // interaction records, id = RecordID(subject, actor)
	SubjectField      string
	ActorField        string
	CounterCollection string // document keyed by subject holding the counter; empty disables it
	CounterField      string
}

var (
	// Likes is a like on a post.
	Likes = RecordSpec{
		Collection:        model.CollectionLikes,
		SubjectField:      "postId",
		ActorField:        "userId",
		CounterCollection: model.CollectionPosts,
		CounterField:      "likeCount",
	}
	// Follows is a follow of a user.
	Follows = RecordSpec{
		Collection:        model.CollectionFollows,
		SubjectField:      "followeeId",
		ActorField:        "followerId",
		CounterCollection: model.CollectionUsers,
		CounterField:      "followerCount",
	}
)

// RecordID is the deterministic id of the interaction record of actor on subject.
func RecordID(subjectID, actorID string) string { return subjectID + "_" + actorID }

// undoTimeout bounds the compensating write issued when the counter update fails.
const undoTimeout = 5 * time.Second

// RecordEffect creates (Value) or deletes (!Value) the interaction record, then writes the counter.
// When the counter write fails the record step is undone, so the store keeps the previous
// committed state the coordinator rolls back to.
func RecordEffect(gw remote.Gateway, rs RecordSpec, now func() time.Time) Effect {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, m Mutation) error {
		id := RecordID(m.SubjectID, m.ActorID)
		record := map[string]any{
			rs.SubjectField: m.SubjectID,
			rs.ActorField:   m.ActorID,
			"createdAt":     now().UTC(),
		}
		existed := true
		if m.Value {
			if err := gw.Write(ctx, rs.Collection, id, record); err != nil {
				return fmt.Errorf("create %s/%s: %w", rs.Collection, id, err)
			}
		} else {
			err := gw.Delete(ctx, rs.Collection, id)
			if errors.Is(err, errs.ErrNotFound) {
				existed = false
			} else if err != nil {
				return fmt.Errorf("delete %s/%s: %w", rs.Collection, id, err)
			}
		}

		if rs.CounterCollection == "" {
			return nil
		}
		err := gw.Write(ctx, rs.CounterCollection, m.SubjectID, map[string]any{rs.CounterField: m.Counter})
		if err == nil {
			return nil
		}
		err = fmt.Errorf("counter %s/%s: %w", rs.CounterCollection, m.SubjectID, err)

		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
		defer cancel()
		var undo error
		switch {
		case m.Value:
			if uerr := gw.Delete(uctx, rs.Collection, id); uerr != nil && !errors.Is(uerr, errs.ErrNotFound) {
				undo = fmt.Errorf("undo create %s/%s: %w", rs.Collection, id, uerr)
			}
		case existed:
			if uerr := gw.Write(uctx, rs.Collection, id, record); uerr != nil {
				undo = fmt.Errorf("undo delete %s/%s: %w", rs.Collection, id, uerr)
			}
		}
		return errors.Join(err, undo)
	}
}
