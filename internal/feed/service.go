// Package feed exposes typed live views over comments and notifications on top of the
// subscription registry.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
	"github.com/and161185/fitsync/internal/subscription"
)

// MaxCommentLength bounds a comment body in runes.
const MaxCommentLength = 2000

// Subscriber is the part of the subscription registry the service uses.
type Subscriber interface {
	Subscribe(ctx context.Context, name subscription.Name, ownerID string, q remote.Query, onUpdate func(subscription.Update)) error
	Unsubscribe(name subscription.Name, ownerID string)
}

// Service reads and writes comments and notifications.
type Service struct {
	gw   remote.Gateway
	subs Subscriber
	log  *zap.Logger
	now  func() time.Time
}

// NewService constructs a Service. now defaults to time.Now.
func NewService(gw remote.Gateway, subs Subscriber, log *zap.Logger, now func() time.Time) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{gw: gw, subs: subs, log: log, now: now}
}

// WatchComments keeps fn updated with the comments of postID, oldest first.
func (s *Service) WatchComments(ctx context.Context, ownerID, postID string, fn func([]model.Comment, error)) error {
	if postID == "" {
		return fmt.Errorf("watch comments: empty post: %w", errs.ErrValidation)
	}
	q := remote.Where(model.CollectionComments, "postId", postID)
	q.OrderBy = "createdAt"
	return s.subs.Subscribe(ctx, subscription.NameComments, ownerID, q, func(u subscription.Update) {
		if u.Err != nil {
			fn(nil, u.Err)
			return
		}
		out := make([]model.Comment, 0, len(u.Docs))
		for _, d := range u.Docs {
			out = append(out, model.CommentFromDocument(d))
		}
		fn(out, nil)
	})
}

// UnwatchComments ends the comments view of ownerID.
func (s *Service) UnwatchComments(ownerID string) {
	s.subs.Unsubscribe(subscription.NameComments, ownerID)
}

// WatchUnread keeps fn updated with the number of unread notifications of recipientID.
// On a subscription error fn receives a zero counter together with the error.
func (s *Service) WatchUnread(ctx context.Context, ownerID, recipientID string, fn func(model.UnreadCounter, error)) error {
	if recipientID == "" {
		return fmt.Errorf("watch unread: empty recipient: %w", errs.ErrValidation)
	}
	q := remote.Where(model.CollectionNotifications, "recipientId", recipientID)
	q.Where = append(q.Where, remote.Filter{Field: "read", Op: remote.OpEq, Value: false})
	return s.subs.Subscribe(ctx, subscription.NameUnreadCount, ownerID, q, func(u subscription.Update) {
		c := model.UnreadCounter{OwnerID: recipientID}
		if u.Err != nil {
			fn(c, u.Err)
			return
		}
		c.Value = len(u.Docs)
		fn(c, nil)
	})
}

// UnwatchUnread ends the unread counter of ownerID.
func (s *Service) UnwatchUnread(ownerID string) {
	s.subs.Unsubscribe(subscription.NameUnreadCount, ownerID)
}

// AddComment stores a new comment and returns it with its generated id.
func (s *Service) AddComment(ctx context.Context, postID, authorID, authorName, body string) (model.Comment, error) {
	body = strings.TrimSpace(body)
	switch {
	case authorID == "":
		return model.Comment{}, fmt.Errorf("add comment: no authenticated author: %w", errs.ErrValidation)
	case postID == "":
		return model.Comment{}, fmt.Errorf("add comment: empty post: %w", errs.ErrValidation)
	case body == "":
		return model.Comment{}, fmt.Errorf("add comment: empty body: %w", errs.ErrValidation)
	case len([]rune(body)) > MaxCommentLength:
		return model.Comment{}, fmt.Errorf("add comment: body longer than %d: %w", MaxCommentLength, errs.ErrValidation)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return model.Comment{}, fmt.Errorf("comment id: %w", err)
	}
	c := model.Comment{
		ID:         id.String(),
		PostID:     postID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	err = s.gw.Write(ctx, model.CollectionComments, c.ID, map[string]any{
		"postId":     c.PostID,
		"authorId":   c.AuthorID,
		"authorName": c.AuthorName,
		"body":       c.Body,
		"createdAt":  c.CreatedAt,
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	s.log.Debug("comment added", zap.String("post", postID), zap.String("comment", c.ID))
	return c, nil
}

// DeleteComment removes a comment written by actorID.
func (s *Service) DeleteComment(ctx context.Context, commentID, actorID string) error {
	if commentID == "" || actorID == "" {
		return fmt.Errorf("delete comment: %w", errs.ErrValidation)
	}
	d, err := s.gw.Read(ctx, model.CollectionComments, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if model.Str(d.Fields, "authorId") != actorID {
		return fmt.Errorf("delete comment %s: not the author: %w", commentID, errs.ErrPermission)
	}
	if err := s.gw.Delete(ctx, model.CollectionComments, commentID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// Notify addresses a new unread notification to recipientID.
func (s *Service) Notify(ctx context.Context, recipientID, kind, subjectID string) (model.Notification, error) {
	if recipientID == "" || kind == "" {
		return model.Notification{}, fmt.Errorf("notify: %w", errs.ErrValidation)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.Notification{}, fmt.Errorf("notification id: %w", err)
	}
	n := model.Notification{
		ID:          id.String(),
		RecipientID: recipientID,
		Kind:        kind,
		SubjectID:   subjectID,
		CreatedAt:   s.now().UTC(),
	}
	err = s.gw.Write(ctx, model.CollectionNotifications, n.ID, map[string]any{
		"recipientId": n.RecipientID,
		"kind":        n.Kind,
		"subjectId":   n.SubjectID,
		"read":        false,
		"createdAt":   n.CreatedAt,
	})
	if err != nil {
		return model.Notification{}, fmt.Errorf("notify: %w", err)
	}
	return n, nil
}

// MarkRead acknowledges a notification. Acknowledging it again is a no-op.
func (s *Service) MarkRead(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return fmt.Errorf("mark read: %w", errs.ErrValidation)
	}
	d, err := s.gw.Read(ctx, model.CollectionNotifications, notificationID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n := model.NotificationFromDocument(d); n.Read {
		s.log.Debug("notification already read", zap.String("notification", n.ID), zap.String("recipient", n.RecipientID))
		return nil
	}
	if err := s.gw.Write(ctx, model.CollectionNotifications, notificationID, map[string]any{"read": true}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
