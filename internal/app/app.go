// Package app is the composition root: it wires C1 through C9 into one
// running process per spec.md §6, mirroring the teacher's cmd/order-service
// main.go's "construct every collaborator, start every server, wait for a
// signal" shape but as a dedicated App type so cmd/matchexecd stays a thin
// flag-parsing shim.
package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/DimaJoyti/go-coffee/internal/broadcast"
	"github.com/DimaJoyti/go-coffee/internal/chain"
	"github.com/DimaJoyti/go-coffee/internal/chainstate"
	"github.com/DimaJoyti/go-coffee/internal/durable"
	"github.com/DimaJoyti/go-coffee/internal/engine"
	"github.com/DimaJoyti/go-coffee/internal/executor"
	"github.com/DimaJoyti/go-coffee/internal/lease"
	"github.com/DimaJoyti/go-coffee/internal/matching"
	"github.com/DimaJoyti/go-coffee/internal/nonce"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/redisstore"
	"github.com/DimaJoyti/go-coffee/internal/relay"
	"github.com/DimaJoyti/go-coffee/internal/scheduler"
	"github.com/DimaJoyti/go-coffee/internal/upstream"
	"github.com/DimaJoyti/go-coffee/pkg/config"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
	"github.com/DimaJoyti/go-coffee/pkg/metrics"
)

// App owns every long-running component and their graceful shutdown.
type App struct {
	cfg *config.Config
	log *logger.Logger

	redisClient *redis.Client
	chainClient *chain.Client
	durable     *durable.Store

	store   *redisstore.Store
	leases  *lease.Manager
	matcher *matching.Engine

	metrics      *metrics.Registry
	promRegistry *prometheus.Registry

	relays    []*relay.Relay
	scheduler *scheduler.Scheduler

	wg sync.WaitGroup
}

// Dependencies are the external, out-of-scope collaborators a real
// deployment supplies: the marketplace-specific order-event stream per
// collection and the marketplace fulfillment-data client for non-native
// matches (spec.md §4.2/§4.9 name these as external systems).
type Dependencies struct {
	Streams     map[string]upstream.Stream
	Marketplace engine.MarketplaceClient
}

// New constructs every component named in spec.md, wired exactly as
// configured, but does not start anything yet.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, log *logger.Logger) (*App, error) {
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpt)
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}

	store := redisstore.New(redisClient, log)
	leases := lease.NewManager(redisClient, log)
	metricsRegistry, promRegistry := metrics.NewRegistry()
	matcher := matching.New(store, log, int64(cfg.MatchLimit), metricsRegistry)

	app := &App{
		cfg:          cfg,
		log:          log,
		redisClient:  redisClient,
		store:        store,
		leases:       leases,
		matcher:      matcher,
		metrics:      metricsRegistry,
		promRegistry: promRegistry,
	}

	if cfg.MatchingEngineEnabled {
		if err := app.buildRelays(cfg, deps); err != nil {
			return nil, err
		}
	}

	if cfg.ExecutionEngineEnabled {
		if err := app.buildExecutionEngine(ctx, cfg, deps, log); err != nil {
			return nil, err
		}
	}

	return app, nil
}

func (a *App) buildRelays(cfg *config.Config, deps Dependencies) error {
	allowed := map[domain.Address]struct{}{}
	// spec.md §4.2's allow-set is configured per chain; loaded here from the
	// exchange address only. A real deployment adds every
	// marketplace's zone/conduit address to this set out-of-band.
	allowed[domain.Address(cfg.ExchangeAddress)] = struct{}{}

	cursorStore := redisstore.CursorStore{Store: a.store}

	for _, collection := range cfg.Collections {
		stream, ok := deps.Streams[collection]
		if !ok {
			return fmt.Errorf("app: no order-event stream configured for collection %s", collection)
		}
		r := relay.New(relay.Config{
			ChainID:              cfg.ChainID,
			Collection:           collection,
			AllowedComplications: allowed,
			Metrics:              a.metrics,
		}, stream, cursorStore, a.store, a.matcher, a.leases, a.log)
		a.relays = append(a.relays, r)
	}
	return nil
}

func (a *App) buildExecutionEngine(ctx context.Context, cfg *config.Config, deps Dependencies, log *logger.Logger) error {
	chainClient, err := chain.Dial(ctx, chain.Config{
		HTTPProviderURL:      cfg.HTTPProviderURL,
		WebsocketProviderURL: cfg.WebsocketProviderURL,
		RequestsPerSecond:    25,
		ChainID:              cfg.ChainID,
	}, log)
	if err != nil {
		return fmt.Errorf("app: dial chain client: %w", err)
	}
	a.chainClient = chainClient

	durableStore, err := durable.Open(cfg.PostgresDSN, log)
	if err != nil {
		return fmt.Errorf("app: open durable store: %w", err)
	}
	if err := durableStore.Migrate(ctx); err != nil {
		return fmt.Errorf("app: migrate durable store: %w", err)
	}
	a.durable = durableStore

	exchangeAddr := common.HexToAddress(cfg.ExchangeAddress)
	exchange, err := executor.NewExchange(chainClient, exchangeAddr, log)
	if err != nil {
		return fmt.Errorf("app: build exchange binding: %w", err)
	}

	nonceProvider := nonce.New(durableStore, exchange, cfg.ChainID, cfg.MatchExecutorAddress, cfg.ExchangeAddress)

	stateLoader, err := chainstate.New(chainClient, common.HexToAddress(cfg.WETHAddress))
	if err != nil {
		return fmt.Errorf("app: build chain state loader: %w", err)
	}

	var signer *ecdsa.PrivateKey
	if cfg.InitiatorPrivateKey != "" {
		signer, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.InitiatorPrivateKey, "0x"))
		if err != nil {
			return fmt.Errorf("app: parse initiator private key: %w", err)
		}
	}

	var bcaster broadcast.Broadcaster
	if cfg.EnableForking {
		bcaster = broadcast.NewForkedNetworkBroadcaster(chainClient, log)
	} else {
		bcaster = broadcast.NewPrivateRelayBroadcaster(cfg.HTTPProviderURL, cfg.FlashbotsAuthKey, chainClient, log)
	}

	eng := engine.New(engine.Config{
		ChainID:            cfg.ChainID,
		MatchExecutor:      cfg.MatchExecutorAddress,
		PriorityFeeWei:     big.NewInt(cfg.PriorityFeeWei),
		PendingOrderWindow: cfg.PendingOrderWindow,
		QuarantineWindow:   cfg.QuarantineWindow,
		Signer:             signer,
		Metrics:            a.metrics,
	}, a.store, chainClient, stateLoader, deps.Marketplace, exchange, nonceProvider, durableStore, bcaster, log, time.Now())

	sched := scheduler.New(chainClient, a.leases, log, cfg.ChainID, cfg.BlockOffset)
	sched.Register(eng)
	a.scheduler = sched
	return nil
}

// Run starts every configured component and blocks until ctx is cancelled,
// then waits for graceful shutdown of each, per spec.md §6.
func (a *App) Run(ctx context.Context) error {
	for _, r := range a.relays {
		r := r
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := r.Run(ctx, a.cfg.LeaseTTL); err != nil {
				a.log.Error("relay exited", "error", err)
			}
		}()
	}

	if a.scheduler != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduler.Run(ctx, a.cfg.LeaseTTL)
		}()
	}

	<-ctx.Done()
	a.wg.Wait()
	return a.Close()
}

// Close releases every held connection.
func (a *App) Close() error {
	if a.chainClient != nil {
		a.chainClient.Close()
	}
	if a.durable != nil {
		if err := a.durable.Close(); err != nil {
			a.log.Warn("close durable store", "error", err)
		}
	}
	return a.redisClient.Close()
}

// Store exposes the order store for the control-surface API (internal/api).
func (a *App) Store() *redisstore.Store { return a.store }

// PromRegistry exposes the process's metric registry for the control
// surface's /metrics endpoint.
func (a *App) PromRegistry() *prometheus.Registry { return a.promRegistry }

// Collections returns the configured collection addresses.
func (a *App) Collections() []string { return a.cfg.Collections }

// Relays exposes the running order relays for the control surface's
// /healthz endpoint to report per-collection queue depth.
func (a *App) Relays() []*relay.Relay { return a.relays }

// Matcher exposes the matching engine for the control surface's
// force-match-by-id operation (spec.md §6).
func (a *App) Matcher() *matching.Engine { return a.matcher }
