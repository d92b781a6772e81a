// Command paygate runs the policy admission gateway.
//
// Usage:
//
//	paygate serve --policy-file policies.yaml
//	paygate validate policies.yaml
//	paygate token ops-1 --roles admin --ttl 1h
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upb/paygate/app"
	"github.com/upb/paygate/auth"
	"github.com/upb/paygate/config"
	"github.com/upb/paygate/internal/observability"
	engine "github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/routes"
	policysvc "github.com/upb/paygate/services/policy"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the admission gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate a policy file and print conflict warnings."`
	Token    TokenCmd    `cmd:"" help:"Issue an admin API token."`

	EnvFile []string `name:"env-file" help:"Environment files to load before reading configuration." default:".env"`
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	PolicyFile string `name:"policy-file" help:"Policy document path (overrides POLICY_FILE)." type:"path"`
	Port       int    `help:"Port to listen on (overrides PORT)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx, cli.EnvFile...)
	if err != nil {
		return err
	}
	if c.PolicyFile != "" {
		cfg.Policy.File = c.PolicyFile
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return run(ctx, cfg, logger)
}

// ValidateCmd checks a policy document without serving it.
type ValidateCmd struct {
	File string `arg:"" help:"Policy document to validate." type:"existingfile"`
}

func (c *ValidateCmd) Run(out io.Writer) error {
	source, err := policysvc.NewFileSource(c.File, 0, zap.NewNop())
	if err != nil {
		return err
	}
	svc := policysvc.NewPolicyService(source, engine.NewEngine(nil), zap.NewNop())

	result, err := svc.Reload(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d policies, build %s\n", c.File, result.Policies, result.BuildID)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning [%s]: %s\n", w.Kind, w.Message)
	}
	return nil
}

// TokenCmd signs an admin API token with ADMIN_JWT_SECRET.
type TokenCmd struct {
	Subject string        `arg:"" help:"Token subject (operator id)."`
	Roles   []string      `help:"Roles to grant." default:"admin"`
	TTL     time.Duration `name:"ttl" help:"Token lifetime." default:"1h"`
}

func (c *TokenCmd) Run(cli *CLI, out io.Writer) error {
	cfg, err := config.New(context.Background(), cli.EnvFile...)
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return errors.New("ADMIN_JWT_SECRET is not set")
	}

	token, err := auth.IssueToken(cfg.Admin.JWTSecret, cfg.Admin.Issuer, c.Subject, c.Roles, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("paygate"),
		kong.Description("Policy admission gateway for payment-gated APIs"),
		kong.UsageOnError(),
		kong.BindTo(os.Stdout, (*io.Writer)(nil)),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// initLogger builds the application logger from configuration
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		Development: cfg.IsDevelopment(),
	})
}

// run serves until ctx is cancelled or a component fails. The initial policy
// load must succeed before the listener opens.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.Error("failed to close dependencies", zap.Error(err))
		}
	}()

	if deps.Audit != nil {
		if err := deps.Audit.Start(); err != nil {
			return err
		}
	}

	if _, err := deps.PolicyService.Reload(ctx); err != nil {
		return fmt.Errorf("initial policy load failed: %w", err)
	}

	handler, err := routes.SetupRoutes(deps)
	if err != nil {
		return fmt.Errorf("failed to set up routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Policy.Watch {
		changes, err := deps.PolicySource.Watch(gctx)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return deps.PolicyService.Run(gctx, changes)
		})
	}

	g.Go(func() error {
		return deps.Janitor.Run(gctx)
	})

	if deps.Audit != nil {
		g.Go(func() error {
			return deps.Audit.RunSnapshots(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("paygate listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("policy_file", cfg.Policy.File))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
