// Package identity issues and tracks the authenticated principal. LocalProvider keeps
// credentials in the remote store and issues HS256 tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/dispatch"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/limiter"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

// Defaults used when a Config field is zero.
const (
	DefaultTokenTTL        = 24 * time.Hour
	DefaultVerificationTTL = 24 * time.Hour
	MinPasswordLength      = 8
)

// Provider emits the current principal (nil when signed out) on every change.
type Provider interface {
	// Watch registers fn and sends it the current principal first.
	Watch(fn func(*model.Principal)) (stop func())
	SignOut(ctx context.Context) error
	SendVerificationEmail(ctx context.Context) error
	CheckVerification(ctx context.Context) (bool, error)
}

// Claims is the payload of an access token.
type Claims struct {
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Token is a signed access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Config configures a LocalProvider.
type Config struct {
	SignKey         []byte
	TokenTTL        time.Duration
	VerificationTTL time.Duration
	Now             func() time.Time
}

// LocalProvider is a Provider backed by the remote store.
type LocalProvider struct {
	gw    remote.Gateway
	lim   limiter.Limiter
	log   *zap.Logger
	cfg   Config
	argon argonParams
	queue *dispatch.Queue
	wg    sync.WaitGroup

	mu        sync.Mutex
	current   *model.Principal
	token     Token
	watchers  map[int]func(*model.Principal)
	nextWatch int
	closed    bool
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider constructs a LocalProvider. lim may be nil to disable throttling.
func NewLocalProvider(gw remote.Gateway, lim limiter.Limiter, log *zap.Logger, cfg Config) (*LocalProvider, error) {
	if len(cfg.SignKey) < 32 {
		return nil, fmt.Errorf("identity: sign key shorter than 32 bytes: %w", errs.ErrValidation)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LocalProvider{
		gw:       gw,
		lim:      lim,
		log:      log,
		cfg:      cfg,
		argon:    defaultArgon,
		queue:    dispatch.NewQueue(log, "identity.watch"),
		watchers: map[int]func(*model.Principal){},
	}, nil
}

// NormalizeEmail lowercases and validates an address; it is the credentials key.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("email %q: %w", email, errs.ErrValidation)
	}
	return email, nil
}

// Register creates an account and signs it in. The profile document is written in the
// background, so a reader may briefly not find it.
func (p *LocalProvider) Register(ctx context.Context, email, password, displayName string) (model.Principal, Token, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return model.Principal{}, Token{}, err
	}
	if len(password) < MinPasswordLength {
		return model.Principal{}, Token{}, fmt.Errorf("password shorter than %d: %w", MinPasswordLength, errs.ErrValidation)
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return model.Principal{}, Token{}, err
	}
	hash, err := hashPassword(password, p.argon)
	if err != nil {
		return model.Principal{}, Token{}, err
	}
	now := p.cfg.Now().UTC()
	// the credentials document is keyed by email, so Create is the uniqueness check
	err = p.gw.Create(ctx, model.CollectionCredentials, email, map[string]any{
		"userId":        uid.String(),
		"passwordHash":  hash,
		"displayName":   displayName,
		"emailVerified": false,
		"createdAt":     now,
	})
	if err != nil {
		return model.Principal{}, Token{}, fmt.Errorf("register %s: %w", email, err)
	}

	pr := model.Principal{ID: uid.String(), Email: email, DisplayName: displayName}
	profile := model.Profile{
		ID:          pr.ID,
		DisplayName: displayName,
		Email:       email,
		Role:        model.RoleMember,
		CreatedAt:   now,
	}
	p.wg.Add(1)
	go p.writeProfile(profile)

	tok, err := p.issue(pr)
	if err != nil {
		return model.Principal{}, Token{}, err
	}
	p.setCurrent(&pr, tok)
	p.log.Info("account registered", zap.String("principal", pr.ID))
	return pr, tok, nil
}

func (p *LocalProvider) writeProfile(profile model.Profile) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.gw.Write(ctx, model.CollectionUsers, profile.ID, profile.Fields()); err != nil {
		p.log.Error("write profile after registration", zap.String("principal", profile.ID), zap.Error(err))
	}
}

// SignIn authenticates email/password with throttling per (email, client).
func (p *LocalProvider) SignIn(ctx context.Context, email, password, client string) (model.Principal, Token, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return model.Principal{}, Token{}, errs.ErrUnauthorized
	}
	clientHash := limiter.HashClient(client)

	if p.lim != nil {
		allowed, wait, err := p.lim.Allow(ctx, email, clientHash)
		if err != nil {
			return model.Principal{}, Token{}, err
		}
		if !allowed {
			return model.Principal{}, Token{}, fmt.Errorf("retry in %s: %w", wait.Round(time.Second), errs.ErrRateLimited)
		}
	}

	doc, err := p.gw.Read(ctx, model.CollectionCredentials, email)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Principal{}, Token{}, fmt.Errorf("sign in: %w", err)
	}
	ok := false
	if err == nil {
		if ok, err = verifyPassword(password, model.Str(doc.Fields, "passwordHash")); err != nil {
			p.log.Error("stored credentials unreadable", zap.String("email", email), zap.Error(err))
		}
	}
	if !ok {
		if p.lim != nil {
			if blocked, _, ferr := p.lim.Failure(ctx, email, clientHash); ferr == nil && blocked {
				return model.Principal{}, Token{}, errs.ErrRateLimited
			}
		}
		// unknown account and wrong password look the same
		return model.Principal{}, Token{}, errs.ErrUnauthorized
	}
	if p.lim != nil {
		_ = p.lim.Success(ctx, email, clientHash)
	}

	pr := model.Principal{
		ID:            model.Str(doc.Fields, "userId"),
		Email:         email,
		DisplayName:   model.Str(doc.Fields, "displayName"),
		EmailVerified: model.Bool(doc.Fields, "emailVerified"),
	}
	tok, err := p.issue(pr)
	if err != nil {
		return model.Principal{}, Token{}, err
	}
	p.setCurrent(&pr, tok)
	return pr, tok, nil
}

// SignInWithToken restores a session from a previously issued token.
func (p *LocalProvider) SignInWithToken(_ context.Context, raw string) (model.Principal, error) {
	claims, err := p.ParseToken(raw)
	if err != nil {
		return model.Principal{}, err
	}
	pr := model.Principal{
		ID:            claims.Subject,
		Email:         claims.Email,
		DisplayName:   claims.Name,
		EmailVerified: claims.EmailVerified,
	}
	p.setCurrent(&pr, Token{AccessToken: raw, ExpiresAt: claims.ExpiresAt.Time})
	return pr, nil
}

// ParseToken validates signature, algorithm and expiry of raw.
func (p *LocalProvider) ParseToken(raw string) (*Claims, error) {
	return ParseToken(raw, p.cfg.SignKey, p.cfg.Now)
}

// ParseToken validates raw against key without a provider. now defaults to time.Now.
func ParseToken(raw string, key []byte, now func() time.Time) (*Claims, error) {
	if now == nil {
		now = time.Now
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token: %v: %w", err, errs.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token without subject: %w", errs.ErrUnauthorized)
	}
	return claims, nil
}

// issue creates a signed HS256 JWT for pr.
func (p *LocalProvider) issue(pr model.Principal) (Token, error) {
	now := p.cfg.Now()
	exp := now.Add(p.cfg.TokenTTL)
	claims := Claims{
		Email:         pr.Email,
		Name:          pr.DisplayName,
		EmailVerified: pr.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pr.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.SignKey)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresAt: exp}, nil
}

// Current returns the signed-in principal and its token.
func (p *LocalProvider) Current() (*model.Principal, Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, Token{}
	}
	cp := *p.current
	return &cp, p.token
}

// Watch implements Provider.
func (p *LocalProvider) Watch(fn func(*model.Principal)) (stop func()) {
	p.mu.Lock()
	id := p.nextWatch
	p.nextWatch++
	p.watchers[id] = fn
	cur := clonePrincipal(p.current)
	p.queue.Push(func() { fn(cur) })
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

// SignOut implements Provider.
func (p *LocalProvider) SignOut(context.Context) error {
	p.setCurrent(nil, Token{})
	return nil
}

// SendVerificationEmail records a verification request for the current principal. Delivery
// of the message is outside this process; ConfirmVerification redeems the request id.
func (p *LocalProvider) SendVerificationEmail(ctx context.Context) error {
	cur, _ := p.Current()
	if cur == nil {
		return errs.ErrUnauthorized
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	now := p.cfg.Now().UTC()
	err = p.gw.Write(ctx, model.CollectionVerifications, id.String(), map[string]any{
		"userId":    cur.ID,
		"email":     cur.Email,
		"createdAt": now,
		"expiresAt": now.Add(p.cfg.VerificationTTL),
	})
	if err != nil {
		return fmt.Errorf("send verification: %w", err)
	}
	p.log.Info("verification requested", zap.String("principal", cur.ID), zap.String("request", id.String()))
	return nil
}

// ConfirmVerification redeems a verification request and marks the address verified.
func (p *LocalProvider) ConfirmVerification(ctx context.Context, requestID string) error {
	doc, err := p.gw.Read(ctx, model.CollectionVerifications, requestID)
	if err != nil {
		return fmt.Errorf("confirm verification: %w", err)
	}
	if exp := model.Time(doc.Fields, "expiresAt"); !exp.IsZero() && p.cfg.Now().After(exp) {
		return fmt.Errorf("verification request expired: %w", errs.ErrValidation)
	}
	email := model.Str(doc.Fields, "email")
	if err := p.gw.Write(ctx, model.CollectionCredentials, email, map[string]any{"emailVerified": true}); err != nil {
		return fmt.Errorf("confirm verification: %w", err)
	}
	if err := p.gw.Delete(ctx, model.CollectionVerifications, requestID); err != nil && !errors.Is(err, errs.ErrNotFound) {
		p.log.Warn("drop verification request", zap.String("request", requestID), zap.Error(err))
	}
	return nil
}

// CheckVerification implements Provider. It re-reads the stored flag and updates the
// current principal without emitting a change.
func (p *LocalProvider) CheckVerification(ctx context.Context) (bool, error) {
	cur, _ := p.Current()
	if cur == nil {
		return false, errs.ErrUnauthorized
	}
	doc, err := p.gw.Read(ctx, model.CollectionCredentials, cur.Email)
	if err != nil {
		return false, fmt.Errorf("check verification: %w", err)
	}
	verified := model.Bool(doc.Fields, "emailVerified")
	if verified {
		p.mu.Lock()
		if p.current != nil && p.current.ID == cur.ID {
			upd := *p.current
			upd.EmailVerified = true
			p.current = &upd
		}
		p.mu.Unlock()
	}
	return verified, nil
}

// Close waits for background profile writes and stops Watch delivery.
func (p *LocalProvider) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	p.queue.Close()
	<-p.queue.Done()
}

func (p *LocalProvider) setCurrent(pr *model.Principal, tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.current, p.token = clonePrincipal(pr), tok
	for _, fn := range p.watchers {
		fn := fn
		cur := clonePrincipal(pr)
		p.queue.Push(func() { fn(cur) })
	}
}

func clonePrincipal(pr *model.Principal) *model.Principal {
	if pr == nil {
		return nil
	}
	cp := *pr
	return &cp
}
