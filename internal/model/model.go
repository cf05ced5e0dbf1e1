// Package model defines domain entities shared by the session, interaction, subscription
// and typing layers.
package model

import (
	"time"
)

// Role is the application-level privilege of a profile.
type Role string

const (
	RoleMember Role = "member" // least privileged, used for fallbacks
	RoleCoach  Role = "coach"
	RoleAdmin  Role = "admin"
)

// ParseRole maps a stored role to a known Role; anything unknown is RoleMember.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleCoach, RoleAdmin:
		return Role(s)
	default:
		return RoleMember
	}
}

// Principal is the authenticated identity issued by the identity provider.
type Principal struct {
	ID            string
	Email         string
	DisplayName   string
	EmailVerified bool
}

// Profile is the durable application record keyed by principal id.
type Profile struct {
	ID            string
	DisplayName   string
	Email         string
	Role          Role
	EmailVerified bool
	PhotoURL      string
	CreatedAt     time.Time
}

// State is the session state machine position.
type State int

const (
	StateSignedOut State = iota
	StateAuthenticating
	StateResolvingProfile
	StateReady
)

func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "signed_out"
	case StateAuthenticating:
		return "authenticating"
	case StateResolvingProfile:
		return "resolving_profile"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Session is a read-only snapshot of the authenticated session.
// Profile points to an immutable copy; a new profile replaces the pointer.
type Session struct {
	PrincipalID      string
	State            State
	IsAuthenticated  bool
	IsLoadingProfile bool
	IsInitializing   bool
	Role             Role
	Profile          *Profile
	Error            string
}

// InteractionState is the local view of a toggle interaction (e.g. like) of one actor on one subject.
type InteractionState struct {
	SubjectID    string
	ActorID      string
	LocalValue   bool
	LocalCounter int
	Pending      bool
}

// TypingWindow is how long a typing record stays active after its last refresh.
const TypingWindow = 5 * time.Second

// TypingRecord is an ephemeral presence record of a user typing on a subject.
type TypingRecord struct {
	SubjectID    string
	UserID       string
	UserName     string
	LastActiveAt time.Time
}

// IsActive reports whether the record is younger than TypingWindow at now.
func (r TypingRecord) IsActive(now time.Time) bool {
	return now.Sub(r.LastActiveAt) < TypingWindow
}

// UnreadCounter is the live count of unacknowledged notifications of an owner.
type UnreadCounter struct {
	OwnerID string
	Value   int
}

// Comment is a single comment on a post.
type Comment struct {
	ID         string
	PostID     string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

// Notification is an in-app notification addressed to a recipient.
type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	SubjectID   string
	Read        bool
	CreatedAt   time.Time
}

// Document is a remote, durable, keyed record.
type Document struct {
	Collection string
	ID         string
	Fields     map[string]any
	UpdatedAt  time.Time
}
