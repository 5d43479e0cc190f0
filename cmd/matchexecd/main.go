// Command matchexecd runs the NFT order-matching and execution pipeline
// described in spec.md: the order relay and matching engine (when enabled)
// feed the order store, and the block scheduler drives the execution engine
// against the configured chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DimaJoyti/go-coffee/internal/api"
	"github.com/DimaJoyti/go-coffee/internal/app"
	"github.com/DimaJoyti/go-coffee/internal/engine"
	"github.com/DimaJoyti/go-coffee/internal/upstream"
	"github.com/DimaJoyti/go-coffee/pkg/config"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "matchexecd",
		Short: "NFT order matching and execution pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	if err := config.BindFlags(root, v); err != nil {
		fmt.Fprintf(os.Stderr, "matchexecd: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "matchexecd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mode := logger.ModeDev
	if cfg.Mode == "prod" {
		mode = logger.ModeProd
	}
	log := logger.New("matchexecd", mode)
	defer log.Sync()

	// The per-collection order-event streams and the marketplace
	// fulfillment-data client are marketplace-specific external systems,
	// out of scope for this module (spec.md §4.2/§4.9); a real deployment
	// supplies concrete implementations here.
	deps := app.Dependencies{
		Streams:     map[string]upstream.Stream{},
		Marketplace: engine.MarketplaceClient(nil),
	}

	a, err := app.New(ctx, cfg, deps, log)
	if err != nil {
		log.Fatal("build app", "error", err)
	}

	apiServer := api.New(api.Config{
		Addr:     fmt.Sprintf(":%d", cfg.APIPort),
		APIKey:   cfg.APIKey,
		ReadOnly: cfg.APIReadOnly,
	}, a.Store(), a.Relays(), a.Matcher(), a.PromRegistry(), log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.ListenAndServe()
	}()

	go func() {
		if err := a.Run(ctx); err != nil {
			log.Error("app run exited", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		return apiServer.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
