package identity

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/limiter"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
	"github.com/and161185/fitsync/internal/remote/memory"
	"github.com/and161185/fitsync/internal/session"
	"github.com/and161185/fitsync/internal/subscription"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newProvider(t *testing.T, gw *memory.Gateway, lim limiter.Limiter, now func() time.Time) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(gw, lim, nil, Config{SignKey: testKey, Now: now})
	require.NoError(t, err)
	p.argon = testArgon
	t.Cleanup(p.Close)
	return p
}

type principals struct {
	ch chan *model.Principal
}

func watch(p Provider) *principals {
	w := &principals{ch: make(chan *model.Principal, 16)}
	p.Watch(func(pr *model.Principal) { w.ch <- pr })
	return w
}

func (w *principals) next(t *testing.T) *model.Principal {
	t.Helper()
	select {
	case pr := <-w.ch:
		return pr
	case <-time.After(2 * time.Second):
		t.Fatal("no principal emitted")
		return nil
	}
}

func TestNewLocalProvider_ShortKey(t *testing.T) {
	_, err := NewLocalProvider(memory.New(nil), nil, nil, Config{SignKey: []byte("short")})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  Ann@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", got)

	for _, bad := range []string{"", "ann", "Ann <ann@example.com>"} {
		_, err := NormalizeEmail(bad)
		assert.ErrorIs(t, err, errs.ErrValidation, bad)
	}
}

func TestRegister_EmitsPrincipalAndWritesProfileLater(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	p := newProvider(t, gw, nil, nil)
	w := watch(p)
	assert.Nil(t, w.next(t), "signed out at start")

	pr, tok, err := p.Register(ctx, "Ann@Example.com", "long-enough", "Ann")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", pr.Email)
	assert.NotEmpty(t, tok.AccessToken)

	got := w.next(t)
	require.NotNil(t, got)
	assert.Equal(t, pr.ID, got.ID)

	require.Eventually(t, func() bool {
		_, err := gw.Read(ctx, model.CollectionUsers, pr.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	doc, err := gw.Read(ctx, model.CollectionUsers, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, model.ProfileFromDocument(doc).Role)

	_, _, err = p.Register(ctx, "ann@example.com", "long-enough", "Ann 2")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	_, _, err = p.Register(ctx, "bob@example.com", "short", "Bob")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestRegister_ConcurrentSameEmail(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	gw.SetPropagationDelay(time.Second)
	p := newProvider(t, gw, nil, nil)

	const n = 4
	var (
		wg   sync.WaitGroup
		ids  [n]string
		errv [n]error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pr, _, err := p.Register(ctx, "dup@example.com", "long-enough", "Dup")
			ids[i], errv[i] = pr.ID, err
		}(i)
	}
	wg.Wait()

	winner := ""
	for i := 0; i < n; i++ {
		if errv[i] == nil {
			require.Empty(t, winner, "only one registration may succeed")
			winner = ids[i]
			continue
		}
		assert.ErrorIs(t, errv[i], errs.ErrAlreadyExists)
	}
	require.NotEmpty(t, winner)

	gw.SetPropagationDelay(0)
	require.Eventually(t, func() bool {
		doc, err := gw.Read(ctx, model.CollectionCredentials, "dup@example.com")
		return err == nil && model.Str(doc.Fields, "userId") == winner
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, memory.New(nil), nil, nil)
	reg, _, err := p.Register(ctx, "ann@example.com", "long-enough", "Ann")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))
	cur, _ := p.Current()
	assert.Nil(t, cur)

	_, _, err = p.SignIn(ctx, "ann@example.com", "wrong-password", "10.0.0.1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, _, err = p.SignIn(ctx, "nobody@example.com", "long-enough", "10.0.0.1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	pr, tok, err := p.SignIn(ctx, "ANN@example.com", "long-enough", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, reg.ID, pr.ID)
	assert.Equal(t, "Ann", pr.DisplayName)

	claims, err := p.ParseToken(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, claims.Subject)
	assert.Equal(t, "ann@example.com", claims.Email)
}

func TestSignIn_Throttled(t *testing.T) {
	ctx := context.Background()
	lim := limiter.NewMemory(limiter.Config{MaxFails: 3}, nil)
	p := newProvider(t, memory.New(nil), lim, nil)
	_, _, err := p.Register(ctx, "ann@example.com", "long-enough", "Ann")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err = p.SignIn(ctx, "ann@example.com", "nope-nope", "10.0.0.1")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	_, _, err = p.SignIn(ctx, "ann@example.com", "nope-nope", "10.0.0.1")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	_, _, err = p.SignIn(ctx, "ann@example.com", "long-enough", "10.0.0.1")
	require.ErrorIs(t, err, errs.ErrRateLimited, "correct password is refused while locked")

	_, _, err = p.SignIn(ctx, "ann@example.com", "long-enough", "10.0.0.2")
	require.NoError(t, err)
}

func TestToken_Validation(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	p := newProvider(t, memory.New(nil), nil, c.Now)
	reg, tok, err := p.Register(ctx, "ann@example.com", "long-enough", "Ann")
	require.NoError(t, err)

	pr, err := p.SignInWithToken(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, pr.ID)

	tampered := tok.AccessToken[:len(tok.AccessToken)-2] + "xx"
	_, err = p.ParseToken(tampered)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   reg.ID,
		ExpiresAt: jwt.NewNumericDate(c.Now().Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = p.ParseToken(unsigned)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	c.Advance(DefaultTokenTTL + time.Minute)
	_, err = p.SignInWithToken(ctx, tok.AccessToken)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.True(t, strings.Contains(err.Error(), "expired"))
}

func TestVerificationFlow(t *testing.T) {
	ctx := context.Background()
	gw := memory.New(nil)
	p := newProvider(t, gw, nil, nil)

	require.ErrorIs(t, p.SendVerificationEmail(ctx), errs.ErrUnauthorized)
	_, _, err := p.Register(ctx, "ann@example.com", "long-enough", "Ann")
	require.NoError(t, err)

	ok, err := p.CheckVerification(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	var requestID string
	sub := subscription.NewManager(gw, nil, 0)
	defer sub.Close()
	found := make(chan string, 4)
	require.NoError(t, sub.Subscribe(ctx, "verifications", "test", remote.Query{Collection: model.CollectionVerifications}, func(u subscription.Update) {
		for _, d := range u.Docs {
			found <- d.ID
		}
	}))
	require.NoError(t, p.SendVerificationEmail(ctx))
	select {
	case requestID = <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("verification request not stored")
	}

	require.NoError(t, p.ConfirmVerification(ctx, requestID))
	ok, err = p.CheckVerification(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	cur, _ := p.Current()
	require.NotNil(t, cur)
	assert.True(t, cur.EmailVerified)

	require.ErrorIs(t, p.ConfirmVerification(ctx, requestID), errs.ErrNotFound, "requests are single use")
}

func TestSessionResolvesAfterRegistration(t *testing.T) {
	gw := memory.New(nil)
	gw.SetPropagationDelay(300 * time.Millisecond)
	p := newProvider(t, gw, nil, nil)
	subs := subscription.NewManager(gw, nil, 0)
	defer subs.Close()
	sm := session.NewManager(gw, p, subs, nil, session.Config{})
	defer sm.Close()

	stop := p.Watch(sm.OnPrincipalChanged)
	defer stop()

	_, _, err := p.Register(context.Background(), "ann@example.com", "long-enough", "Ann")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sm.Snapshot().State == model.StateReady }, 5*time.Second, 10*time.Millisecond)
	snap := sm.Snapshot()
	assert.True(t, snap.IsAuthenticated)
	require.NotNil(t, snap.Profile)
	assert.Equal(t, "Ann", snap.Profile.DisplayName)
	assert.Equal(t, model.RoleMember, snap.Role)
}
