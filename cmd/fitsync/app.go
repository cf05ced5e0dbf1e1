package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/config"
	"github.com/and161185/fitsync/internal/feed"
	"github.com/and161185/fitsync/internal/identity"
	"github.com/and161185/fitsync/internal/interaction"
	"github.com/and161185/fitsync/internal/limiter"
	"github.com/and161185/fitsync/internal/migrate"
	"github.com/and161185/fitsync/internal/remote"
	"github.com/and161185/fitsync/internal/remote/firestore"
	"github.com/and161185/fitsync/internal/remote/memory"
	"github.com/and161185/fitsync/internal/remote/postgres"
	"github.com/and161185/fitsync/internal/session"
	"github.com/and161185/fitsync/internal/subscription"
	"github.com/and161185/fitsync/internal/typing"
)

// app is the wired component graph for one signed-in client.
type app struct {
	cfg config.Config
	log *zap.Logger
	gw  remote.Gateway

	idp     *identity.LocalProvider
	subs    *subscription.Manager
	sess    *session.Manager
	likes   *interaction.Coordinator
	follows *interaction.Coordinator
	feed    *feed.Service
	typing  *typing.Protocol

	stopWatch func()
	closers   []func()
}

// openBackend returns the gateway and throttle for cfg.Backend.
func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (remote.Gateway, limiter.Limiter, []func(), error) {
	lcfg := limiter.Config{}
	switch cfg.Backend {
	case config.BackendMemory:
		gw := memory.New(log)
		gw.SetPropagationDelay(cfg.PropagationDelay)
		return gw, limiter.NewMemory(lcfg, nil), []func(){gw.Shutdown}, nil

	case config.BackendPostgres:
		if cfg.Migrate {
			if err := migrate.Up(ctx, cfg.DSN); err != nil {
				return nil, nil, nil, fmt.Errorf("migrate up: %w", err)
			}
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		gw := postgres.NewGateway(db, log)
		return gw, limiter.NewPGWithQuerier(db.Pool, lcfg), []func(){gw.Shutdown, db.Close}, nil

	case config.BackendFirestore:
		gw, err := firestore.New(ctx, cfg.ProjectID, log)
		if err != nil {
			return nil, nil, nil, err
		}
		stop := func() {
			if err := gw.Shutdown(); err != nil {
				log.Warn("firestore shutdown", zap.Error(err))
			}
		}
		return gw, limiter.NewMemory(lcfg, nil), []func(){stop}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	gw, lim, closers, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, gw: gw, closers: closers}

	a.idp, err = identity.NewLocalProvider(gw, lim, log.Named("identity"), identity.Config{
		SignKey:  []byte(cfg.JWTKey),
		TokenTTL: cfg.TokenTTL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.subs = subscription.NewManager(gw, log.Named("subscription"), cfg.MaxPerOwner)
	a.sess = session.NewManager(gw, a.idp, a.subs, log.Named("session"), session.Config{
		RetryDelays: cfg.RetryDelays,
		ErrorTTL:    cfg.ErrorTTL,
	})
	a.likes = interaction.NewCoordinator(interaction.RecordEffect(gw, interaction.Likes, nil), log.Named("likes"), cfg.WriteTimeout)
	a.follows = interaction.NewCoordinator(interaction.RecordEffect(gw, interaction.Follows, nil), log.Named("follows"), cfg.WriteTimeout)
	a.feed = feed.NewService(gw, a.subs, log.Named("feed"), nil)
	a.typing = typing.NewProtocol(gw, a.subs, log.Named("typing"), nil)

	a.stopWatch = a.idp.Watch(a.sess.OnPrincipalChanged)
	return a, nil
}

// Close tears the graph down: callback producers first, the store last.
func (a *app) Close() {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.likes != nil {
		a.likes.Close()
		a.follows.Close()
	}
	if a.sess != nil {
		a.sess.Close()
	}
	if a.subs != nil {
		a.subs.Close()
	}
	if a.idp != nil {
		a.idp.Close()
	}
	for _, fn := range a.closers {
		fn()
	}
}
