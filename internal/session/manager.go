// Package session owns the authentication state machine and reconciles the profile
// document of the signed-in principal.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/dispatch"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

// DefaultRetryDelays is the backoff table between profile reads: 1 initial read + 5 retries.
var DefaultRetryDelays = []time.Duration{
	0,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
	2000 * time.Millisecond,
}

// DefaultErrorTTL is how long an unchanged error message stays visible.
const DefaultErrorTTL = 5 * time.Second

// IdentityProvider is the upstream identity service.
type IdentityProvider interface {
	SignOut(ctx context.Context) error
	SendVerificationEmail(ctx context.Context) error
	CheckVerification(ctx context.Context) (bool, error)
}

// Subscriptions is the teardown side of the subscription registry.
type Subscriptions interface {
	UnsubscribeAll(ownerID string) int
}

// Config tunes retries and timers. Zero values select defaults.
type Config struct {
	RetryDelays []time.Duration
	ErrorTTL    time.Duration
	// Sleep waits d or until ctx is done. Tests replace it to run the backoff table instantly.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager is the session service. All methods are safe for concurrent use; observers
// receive snapshots in the order the state changed.
type Manager struct {
	gw   remote.Gateway
	idp  IdentityProvider
	subs Subscriptions
	log  *zap.Logger
	cfg  Config

	queue *dispatch.Queue
	wg    sync.WaitGroup

	mu        sync.Mutex
	sess      model.Session
	gen       uint64
	cancel    context.CancelFunc
	owners    map[string]struct{}
	watchers  map[int]func(model.Session)
	nextWatch int
	errSeq    uint64
	errTimer  *time.Timer
	closed    bool
}

// NewManager constructs a Manager in the initializing, signed-out state.
func NewManager(gw remote.Gateway, idp IdentityProvider, subs Subscriptions, log *zap.Logger, cfg Config) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ErrorTTL <= 0 {
		cfg.ErrorTTL = DefaultErrorTTL
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Manager{
		gw:       gw,
		idp:      idp,
		subs:     subs,
		log:      log,
		cfg:      cfg,
		queue:    dispatch.NewQueue(log, "session.watch"),
		sess:     model.Session{State: model.StateSignedOut, IsInitializing: true},
		owners:   map[string]struct{}{},
		watchers: map[int]func(model.Session){},
	}
}

// Snapshot returns the current session.
func (m *Manager) Snapshot() model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Watch registers fn for every session change and sends it the current snapshot first.
func (m *Manager) Watch(fn func(model.Session)) (cancel func()) {
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = fn
	snap := m.sess
	m.queue.Push(func() { fn(snap) })
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// TrackOwner registers a subscription owner (e.g. an open view) whose subscriptions are torn
// down when the session resets. The principal itself is always an owner.
func (m *Manager) TrackOwner(ownerID string) {
	m.mu.Lock()
	m.owners[ownerID] = struct{}{}
	m.mu.Unlock()
}

// UntrackOwner forgets an owner that disposed of itself.
func (m *Manager) UntrackOwner(ownerID string) {
	m.mu.Lock()
	delete(m.owners, ownerID)
	m.mu.Unlock()
}

// OnPrincipalChanged is driven by the identity provider. nil signs the session out;
// a principal starts profile resolution in the background.
func (m *Manager) OnPrincipalChanged(p *model.Principal) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.cancelResolutionLocked()
	m.gen++

	if p == nil || p.ID == "" {
		if p != nil {
			m.log.Error("principal without id, signing out")
			m.sess.Error = "sign-in failed"
		}
		owners := m.resetLocked()
		m.mu.Unlock()
		m.teardown(owners)
		return
	}

	var stale []string
	if m.sess.PrincipalID != "" && m.sess.PrincipalID != p.ID {
		stale = m.ownersLocked()
		m.owners = map[string]struct{}{}
	}

	m.sess = model.Session{
		PrincipalID:    p.ID,
		State:          model.StateAuthenticating,
		IsInitializing: m.sess.IsInitializing,
		Error:          m.sess.Error,
	}
	m.publishLocked()

	fallback := FallbackProfile(*p)
	m.sess.State = model.StateResolvingProfile
	m.sess.IsLoadingProfile = true
	m.publishLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()

	m.teardown(stale)
	go m.resolve(ctx, gen, p.ID, fallback)
}

func (m *Manager) resolve(ctx context.Context, gen uint64, principalID string, fallback model.Profile) {
	defer m.wg.Done()

	profile, err := m.ResolveProfile(ctx, principalID, fallback)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || gen != m.gen || m.closed {
		// superseded by sign-out or another principal
		return
	}
	m.cancelResolutionLocked()
	p := profile
	m.sess.Profile = &p
	m.sess.Role = p.Role
	m.sess.State = model.StateReady
	m.sess.IsLoadingProfile = false
	m.sess.IsInitializing = false
	m.sess.IsAuthenticated = true
	m.publishLocked()
	m.log.Info("session ready",
		zap.String("principal", principalID),
		zap.String("role", string(p.Role)),
	)
}

// ResolveProfile reads users/<principalID>, retrying not-found and transient failures along
// the backoff table. When the document never shows up, or the store refuses the read, it
// returns fallback with the least privileged role. The error is non-nil only if ctx ends first.
func (m *Manager) ResolveProfile(ctx context.Context, principalID string, fallback model.Profile) (model.Profile, error) {
	attempts := len(m.cfg.RetryDelays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := m.cfg.Sleep(ctx, m.cfg.RetryDelays[attempt-1]); err != nil {
				return fallback, err
			}
		}

		doc, err := m.gw.Read(ctx, model.CollectionUsers, principalID)
		if err == nil {
			return adopt(model.ProfileFromDocument(doc), fallback), nil
		}
		if ctx.Err() != nil {
			return fallback, ctx.Err()
		}
		if !errs.Retryable(err) {
			m.log.Warn("profile read failed permanently",
				zap.String("principal", principalID),
				zap.Error(err),
			)
			break
		}
		m.log.Debug("profile not available yet",
			zap.String("principal", principalID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	m.log.Warn("profile unresolved, using fallback", zap.String("principal", principalID))
	fb := fallback
	fb.Role = model.RoleMember
	return fb, nil
}

// SignOut tears down owned subscriptions, signs out upstream and resets local state even
// when the upstream call fails.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	owners := m.ownersLocked()
	m.mu.Unlock()
	m.teardown(owners)

	if err := m.idp.SignOut(ctx); err != nil {
		m.log.Warn("upstream sign-out failed", zap.Error(err))
	}

	m.mu.Lock()
	m.cancelResolutionLocked()
	m.gen++
	late := m.resetLocked()
	m.mu.Unlock()
	m.teardown(late)
}

// SetError shows msg; it is cleared after the error TTL unless replaced or cleared first.
func (m *Manager) SetError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errSeq++
	seq := m.errSeq
	if m.errTimer != nil {
		m.errTimer.Stop()
	}
	m.sess.Error = msg
	m.publishLocked()

	m.errTimer = time.AfterFunc(m.cfg.ErrorTTL, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.errSeq != seq || m.closed {
			return
		}
		m.sess.Error = ""
		m.publishLocked()
	})
}

// ClearError removes the current error message.
func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errSeq++
	if m.errTimer != nil {
		m.errTimer.Stop()
		m.errTimer = nil
	}
	if m.sess.Error != "" {
		m.sess.Error = ""
		m.publishLocked()
	}
}

// SendVerificationEmail asks the identity provider to send a verification email.
func (m *Manager) SendVerificationEmail(ctx context.Context) error {
	if m.Snapshot().PrincipalID == "" {
		return fmt.Errorf("send verification: %w", errs.ErrUnauthorized)
	}
	return m.idp.SendVerificationEmail(ctx)
}

// RefreshVerification re-checks verification upstream. A newly verified principal gets a
// replaced profile with EmailVerified set, mirrored to the profile document best-effort.
func (m *Manager) RefreshVerification(ctx context.Context) (bool, error) {
	sess := m.Snapshot()
	if sess.PrincipalID == "" {
		return false, fmt.Errorf("check verification: %w", errs.ErrUnauthorized)
	}
	ok, err := m.idp.CheckVerification(ctx)
	if err != nil || !ok {
		return false, err
	}

	m.mu.Lock()
	changed := false
	if m.sess.PrincipalID == sess.PrincipalID && m.sess.Profile != nil && !m.sess.Profile.EmailVerified {
		p := *m.sess.Profile
		p.EmailVerified = true
		m.sess.Profile = &p
		m.publishLocked()
		changed = true
	}
	m.mu.Unlock()

	if changed {
		if err := m.gw.Write(ctx, model.CollectionUsers, sess.PrincipalID, map[string]any{"emailVerified": true}); err != nil {
			m.log.Warn("mirror verification flag", zap.String("principal", sess.PrincipalID), zap.Error(err))
		}
	}
	return true, nil
}

// Close cancels background resolution and stops observer delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelResolutionLocked()
	if m.errTimer != nil {
		m.errTimer.Stop()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.queue.Close()
}

// FallbackProfile is the minimal profile derivable from identity claims alone.
func FallbackProfile(p model.Principal) model.Profile {
	name := p.DisplayName
	if name == "" {
		name, _, _ = strings.Cut(p.Email, "@")
	}
	return model.Profile{
		ID:            p.ID,
		DisplayName:   name,
		Email:         p.Email,
		Role:          model.RoleMember,
		EmailVerified: p.EmailVerified,
	}
}

// adopt takes the stored profile as authoritative, keeping what only the identity provider knows.
func adopt(stored, fallback model.Profile) model.Profile {
	stored.ID = fallback.ID
	stored.EmailVerified = stored.EmailVerified || fallback.EmailVerified
	if stored.Email == "" {
		stored.Email = fallback.Email
	}
	if stored.DisplayName == "" {
		stored.DisplayName = fallback.DisplayName
	}
	return stored
}

func (m *Manager) cancelResolutionLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// resetLocked moves to SignedOut, keeping only the error message, and returns the owners to tear down.
func (m *Manager) resetLocked() []string {
	owners := m.ownersLocked()
	m.owners = map[string]struct{}{}
	m.sess = model.Session{State: model.StateSignedOut, Error: m.sess.Error}
	m.publishLocked()
	return owners
}

func (m *Manager) ownersLocked() []string {
	out := make([]string, 0, len(m.owners)+1)
	if m.sess.PrincipalID != "" {
		out = append(out, m.sess.PrincipalID)
	}
	for o := range m.owners {
		if o != m.sess.PrincipalID {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) teardown(owners []string) {
	if m.subs == nil {
		return
	}
	for _, o := range owners {
		m.subs.UnsubscribeAll(o)
	}
}

func (m *Manager) publishLocked() {
	snap := m.sess
	for _, fn := range m.watchers {
		fn := fn
		m.queue.Push(func() { fn(snap) })
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
