package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scopecfg/scopecfg/pkg/api"
	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/config"
	"github.com/scopecfg/scopecfg/pkg/crypto"
	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/storage"
	"github.com/scopecfg/scopecfg/pkg/sweeper"
	"github.com/scopecfg/scopecfg/pkg/tokens"
	"github.com/scopecfg/scopecfg/pkg/tree"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scopecfg",
	Short: "scopecfg - hierarchical configuration service for agent fleets",
	Long: `scopecfg stores team configuration in an org/unit/team scope tree,
serves deep-merged effective views, encrypts sensitive fields at rest,
and fronts everything with bearer-token auth and a unified audit trail.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"scopecfg version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scopecfg API server",
	Long: `Start the HTTP API, apply pending schema migrations, and run the
background token sweep until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(opts.LogLevel), JSONOutput: true})

		store, err := storage.Open(opts.DatabaseURL, opts.PoolSize)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return err
		}

		// The sweeper gets its own small pool so a slow sweep cannot
		// starve request handling.
		sweepStore, err := storage.Open(opts.DatabaseURL, opts.SweepPoolSize)
		if err != nil {
			return fmt.Errorf("opening sweep store: %w", err)
		}
		defer sweepStore.Close()

		keyring, err := crypto.NewKeyring(opts.EncryptionKey, opts.RetiredKeys...)
		if err != nil {
			return fmt.Errorf("building keyring: %w", err)
		}
		sensitive := crypto.NewSensitiveSet(opts.SensitiveKeys)

		engine := tree.NewEngine(store, keyring, sensitive, opts.MaxTreeDepth)
		tokenSvc := tokens.NewService(store, opts.TokenPepper, opts.LastUsedFlush)
		defer tokenSvc.Stop()

		server := api.NewServer(api.Deps{
			Store:             store,
			Engine:            engine,
			Tokens:            tokenSvc,
			AdminTokens:       identity.NewAdminTokens(store, tokenSvc),
			SSO:               identity.NewSSO(store, keyring),
			Audit:             audit.NewService(store),
			Resolver:          identity.NewResolver(store, tokenSvc, opts.AdminToken, identity.NewJWKSCache()),
			RequestTimeout:    opts.RequestTimeout,
			RequestsPerSecond: 100,
		})

		sweep := sweeper.New(sweepStore, opts.SweepBatchLimit)
		if err := sweep.Start(opts.SweepInterval); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(opts.ListenAddr) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			zl1 := log.WithComponent("main")
			zl1.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zl2 := log.WithComponent("main")
			zl2.Error().Err(err).Msg("draining HTTP server")
		}
		sweep.Stop()
		// tokenSvc.Stop (deferred) flushes the last-used buffer before
		// the store closes.
		return nil
	},
}
