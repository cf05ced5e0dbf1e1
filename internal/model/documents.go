package model

import (
	"encoding/json"
	"time"
)

// Collections of the remote store.
const (
	CollectionUsers         = "users"
	CollectionPosts         = "posts"
	CollectionLikes         = "likes"
	CollectionFollows       = "follows"
	CollectionComments      = "comments"
	CollectionNotifications = "notifications"
	CollectionTyping        = "typing"
	CollectionCredentials   = "credentials"
	CollectionVerifications = "verification_requests"
)

// ProfileFromDocument decodes a users/<id> document.
func ProfileFromDocument(d Document) Profile {
	return Profile{
		ID:            d.ID,
		DisplayName:   Str(d.Fields, "displayName"),
		Email:         Str(d.Fields, "email"),
		Role:          ParseRole(Str(d.Fields, "role")),
		EmailVerified: Bool(d.Fields, "emailVerified"),
		PhotoURL:      Str(d.Fields, "photoUrl"),
		CreatedAt:     Time(d.Fields, "createdAt"),
	}
}

// Fields encodes the profile as a document patch.
func (p Profile) Fields() map[string]any {
	return map[string]any{
		"displayName":   p.DisplayName,
		"email":         p.Email,
		"role":          string(p.Role),
		"emailVerified": p.EmailVerified,
		"photoUrl":      p.PhotoURL,
		"createdAt":     p.CreatedAt,
	}
}

// CommentFromDocument decodes a comments/<id> document.
func CommentFromDocument(d Document) Comment {
	return Comment{
		ID:         d.ID,
		PostID:     Str(d.Fields, "postId"),
		AuthorID:   Str(d.Fields, "authorId"),
		AuthorName: Str(d.Fields, "authorName"),
		Body:       Str(d.Fields, "body"),
		CreatedAt:  Time(d.Fields, "createdAt"),
	}
}

// TypingFromDocument decodes a typing/<subject>_<user> document.
func TypingFromDocument(d Document) TypingRecord {
	return TypingRecord{
		SubjectID:    Str(d.Fields, "subjectId"),
		UserID:       Str(d.Fields, "userId"),
		UserName:     Str(d.Fields, "userName"),
		LastActiveAt: Time(d.Fields, "lastActiveAt"),
	}
}

// NotificationFromDocument decodes a notifications/<id> document.
func NotificationFromDocument(d Document) Notification {
	return Notification{
		ID:          d.ID,
		RecipientID: Str(d.Fields, "recipientId"),
		Kind:        Str(d.Fields, "kind"),
		SubjectID:   Str(d.Fields, "subjectId"),
		Read:        Bool(d.Fields, "read"),
		CreatedAt:   Time(d.Fields, "createdAt"),
	}
}

// Str returns a string field or "".
func Str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns a bool field or false.
func Bool(f map[string]any, key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Int returns a numeric field as int. Backends hand back int, int64 or float64 (jsonb).
func Int(f map[string]any, key string) int {
	switch v := f[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Time returns a timestamp field. jsonb backends store RFC 3339 strings.
func Time(f map[string]any, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
