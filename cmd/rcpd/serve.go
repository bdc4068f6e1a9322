package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/rcp/internal/auth"
	"github.com/chronologos/rcp/internal/config"
	"github.com/chronologos/rcp/internal/session"
	"github.com/chronologos/rcp/internal/transport"
)

var (
	serveHost      string
	servePort      int
	serveTransport string
	serveNoWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if serveTransport != "" {
			cfg.Server.Transport = serveTransport
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", cfg.Path(), err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port, 0 picks a free one (overrides server.port)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "tcp, tls, quic or dual (overrides server.transport)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload credentials when the config changes")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	authn, err := auth.New(cfg.AuthSettings(), creds)
	if err != nil {
		return err
	}
	apps, err := session.NewAppHandler(cfg.Apps, logger)
	if err != nil {
		return err
	}

	ln, err := transport.Listen(cfg.Listen())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	// Print port once the listener is ready (for parent processes / scripts)
	fmt.Fprintln(os.Stdout, ln.Port())

	mgr := session.NewManager(cfg.Session(), authn, apps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Only Shutdown stops serving, so sessions get their Disconnect.
		err := mgr.Serve(context.WithoutCancel(gctx), ln)
		if errors.Is(err, session.ErrServerClosed) {
			return nil
		}
		return err
	})
	if !serveNoWatch && cfg.Path() != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cfg, logger, func(next *config.Config) error {
				return applyReload(next, authn, apps, mgr)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				// Serving continues without reloads.
				logger.Warn("config watch stopped", "error", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down", "sessions", mgr.Stats().Active)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return g.Wait()
}

// applyReload installs the credentials, catalogue and policy from next.
// Nothing is applied unless all of them are valid.
func applyReload(next *config.Config, authn *auth.Authenticator, apps *session.AppHandler, mgr *session.Manager) error {
	creds, err := next.Credentials()
	if err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if err := session.ValidateApps(next.Apps); err != nil {
		return err
	}
	policy, err := next.Policy()
	if err != nil {
		return err
	}
	if err := authn.SetCredentials(creds); err != nil {
		return err
	}
	if err := apps.SetApps(next.Apps); err != nil {
		return err
	}
	mgr.SetPolicy(policy)
	return nil
}
