// Command fitsync drives the client session stack against a document store: account
// commands plus a scripted demo printing every observable change as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/fitsync/internal/config"
	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/identity"
	"github.com/and161185/fitsync/internal/migrate"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage(fs *flag.FlagSet) func() {
	return func() {
		out := fs.Output()
		fmt.Fprintf(out, `fitsync %s

Usage:
  fitsync [flags] <command> [command flags]

Commands:
  demo                                  run the scripted session and print events
  migrate                               apply database migrations (postgres)
  register -email E -password P -name N create an account and store its token
  login -email E -password P            sign in and store the token
  whoami                                show the principal of the stored token
  logout                                forget the stored token
  version                               print version

Flags:
`, version)
		fs.PrintDefaults()
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("fitsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = usage(fs)

	if len(args) == 1 && args[0] == "version" {
		fmt.Fprintf(stdout, "fitsync %s (%s)\n", version, buildDate)
		return 0
	}

	cfg, err := config.Parse(fs, args, getenv)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "fitsync %s (%s)\n", version, buildDate)
		return 0
	case "migrate":
		if cfg.Backend != config.BackendPostgres {
			fmt.Fprintln(stderr, "migrate needs -backend postgres")
			return 2
		}
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			logger.Error("migrate up", zap.Error(err))
			return 1
		}
		v, err := migrate.Version(ctx, cfg.DSN)
		if err != nil {
			logger.Error("migration version", zap.Error(err))
			return 1
		}
		printJSON(stdout, map[string]any{"schemaVersion": v})
		return 0
	case "whoami":
		return whoami(cfg, logger, stdout, stderr)
	case "logout":
		if err := removeToken(); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	case "demo", "register", "login":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", zap.Error(err))
		return 1
	}
	defer a.Close()
	logger.Info("started",
		zap.String("version", version),
		zap.String("backend", cfg.Backend),
		zap.String("command", cmd),
	)

	switch cmd {
	case "demo":
		err = runDemo(ctx, a, stdout)
	case "register":
		err = account(ctx, a, rest, true, stdout, stderr)
	case "login":
		err = account(ctx, a, rest, false, stdout, stderr)
	}
	if err != nil {
		logger.Error(cmd, zap.Error(err))
		switch {
		case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrRateLimited), errors.Is(err, errs.ErrValidation):
			fmt.Fprintln(stderr, err)
			return 2
		}
		return 1
	}
	return 0
}

func account(ctx context.Context, a *app, args []string, create bool, stdout, stderr io.Writer) error {
	name := "login"
	if create {
		name = "register"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	display := fs.String("name", "", "display name (register)")
	client := fs.String("client", "cli", "client identifier used for sign-in throttling")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s flags: %w: %w", name, errs.ErrValidation, err)
	}

	var err error
	if create {
		_, tok, rerr := a.idp.Register(ctx, *email, *password, *display)
		if rerr == nil {
			err = saveToken(tok.AccessToken, tok.ExpiresAt)
		}
		err = errors.Join(rerr, err)
	} else {
		_, tok, lerr := a.idp.SignIn(ctx, *email, *password, *client)
		if lerr == nil {
			err = saveToken(tok.AccessToken, tok.ExpiresAt)
		}
		err = errors.Join(lerr, err)
	}
	if err != nil {
		return err
	}
	pr, _ := a.idp.Current()
	printJSON(stdout, pr)
	return nil
}

func whoami(cfg config.Config, logger *zap.Logger, stdout, stderr io.Writer) int {
	raw, err := loadToken()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	claims, err := identity.ParseToken(raw, []byte(cfg.JWTKey), nil)
	if err != nil {
		logger.Debug("token rejected", zap.Error(err))
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, map[string]any{
		"principal":     claims.Subject,
		"email":         claims.Email,
		"name":          claims.Name,
		"emailVerified": claims.EmailVerified,
		"expiresAt":     claims.ExpiresAt.Time,
	})
	return 0
}
