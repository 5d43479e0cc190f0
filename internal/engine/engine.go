// Package engine implements the execution engine (C9): the per-block
// pipeline that turns the matching engine's candidate matches into a
// broadcast transaction, per spec.md §4.9.
//
// Grounded on the teacher's crypto-wallet/internal/blockchain/rpc client
// wrapper for the bounded-concurrency RPC batching style, and on
// _examples/other_examples' polybot executor for the prepare/verify/
// simulate/broadcast pipeline shape (there: paper vs. live mode; here:
// simulate-then-broadcast against one real chain).
package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DimaJoyti/go-coffee/internal/broadcast"
	"github.com/DimaJoyti/go-coffee/internal/chain"
	"github.com/DimaJoyti/go-coffee/internal/durable"
	"github.com/DimaJoyti/go-coffee/internal/executor"
	"github.com/DimaJoyti/go-coffee/internal/nonce"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/redisstore"
	"github.com/DimaJoyti/go-coffee/internal/retry"
	"github.com/DimaJoyti/go-coffee/internal/scheduler"
	"github.com/DimaJoyti/go-coffee/internal/simulator"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
	"github.com/DimaJoyti/go-coffee/pkg/metrics"
)

const (
	prepareVerifyConcurrency = 10
	stateLoadConcurrency     = 800
	candidateLimit           = 100
	balanceLossMaxAttempts   = 3
)

// MarketplaceClient is the external, marketplace-specific API the engine
// needs for non-native matches: the order's fulfillment signature (when not
// already carried on the order) and the conduit address the maker uses.
// Implementations are marketplace-specific (Seaport et al.) and out of
// scope for this module.
type MarketplaceClient interface {
	FulfillmentData(ctx context.Context, order *domain.Order) (signature []byte, conduit domain.Address, err error)
	BuildExternalCall(ctx context.Context, listing, offer *domain.Order, signature []byte, conduit domain.Address) (executor.ExternalFulfillment, error)
}

// ChainStateLoader reads the live balances/ownership/allowances the
// simulator needs, at a fixed block number.
type ChainStateLoader interface {
	ERC721Owner(ctx context.Context, collection domain.Address, tokenID string, atBlock uint64) (domain.Address, error)
	WETHBalance(ctx context.Context, account domain.Address, atBlock uint64) (*big.Int, error)
	WETHAllowance(ctx context.Context, owner, spender domain.Address, atBlock uint64) (*big.Int, error)
	ETHBalance(ctx context.Context, account domain.Address, atBlock uint64) (*big.Int, error)
}

// Engine runs the per-block pipeline for one chain.
type Engine struct {
	chainID       int64
	store         *redisstore.Store
	chain         *chain.Client
	state         ChainStateLoader
	marketplace   MarketplaceClient
	exchange      *executor.Exchange
	nonces        *nonce.Provider
	durable       *durable.Store
	broadcaster   broadcast.Broadcaster
	log           *logger.Logger

	priorityFeeWei     *big.Int
	pendingOrderWindow time.Duration
	quarantineWindow   time.Duration
	matchExecutor      string
	signer             *ecdsa.PrivateKey
	metrics            *metrics.Registry

	engineStartTime time.Time
}

// Config configures an Engine.
type Config struct {
	ChainID            int64
	MatchExecutor      string
	PriorityFeeWei     *big.Int
	PendingOrderWindow time.Duration
	QuarantineWindow   time.Duration
	Signer             *ecdsa.PrivateKey
	Metrics            *metrics.Registry
}

// New builds an Engine wired to every collaborator named in spec.md §4.9.
func New(
	cfg Config,
	store *redisstore.Store,
	chainClient *chain.Client,
	stateLoader ChainStateLoader,
	marketplace MarketplaceClient,
	exchange *executor.Exchange,
	nonces *nonce.Provider,
	durableStore *durable.Store,
	broadcaster broadcast.Broadcaster,
	log *logger.Logger,
	startTime time.Time,
) *Engine {
	return &Engine{
		chainID:            cfg.ChainID,
		store:              store,
		chain:              chainClient,
		state:              stateLoader,
		marketplace:        marketplace,
		exchange:           exchange,
		nonces:             nonces,
		durable:            durableStore,
		broadcaster:        broadcaster,
		log:                log.Named("execution-engine"),
		priorityFeeWei:     cfg.PriorityFeeWei,
		pendingOrderWindow: cfg.PendingOrderWindow,
		quarantineWindow:   cfg.QuarantineWindow,
		matchExecutor:      cfg.MatchExecutor,
		signer:             cfg.Signer,
		metrics:            cfg.Metrics,
		engineStartTime:    startTime,
	}
}

var _ scheduler.Processor = (*Engine)(nil)

// candidate is one match's working state through the pipeline.
type candidate struct {
	match       *domain.Match
	signature   []byte
	conduit     domain.Address
	executable  bool
	reason      string
}

// Process implements scheduler.Processor; it is invoked once per block by
// the block scheduler (C8) with bounded wall clock ≈ one block interval.
func (e *Engine) Process(ctx context.Context, job scheduler.Job) {
	if err := e.runBlock(ctx, job); err != nil {
		e.log.Error("block pipeline failed", "block", job.Current.Number, "error", err)
	}
}

func (e *Engine) runBlock(ctx context.Context, job scheduler.Job) error {
	// Step 1: guard against stale replayed jobs.
	if job.Target.Timestamp.Before(e.engineStartTime) {
		e.log.Debug("dropping stale job", "block", job.Current.Number)
		return nil
	}

	// Step 2: fee projection.
	targetMaxFeePerGasWei := new(big.Int).Add(job.Target.BaseFeePerGas, e.priorityFeeWei)
	targetMaxFeePerGasGwei, _ := new(big.Float).Quo(
		new(big.Float).SetInt(targetMaxFeePerGasWei), big.NewFloat(1e9)).Float64()

	// Step 3: load candidates.
	rawMatches, err := e.store.BestMatches(ctx, targetMaxFeePerGasGwei, candidateLimit)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}
	rawMatches = e.dropPendingTouching(ctx, rawMatches)
	if len(rawMatches) == 0 {
		return e.recordSkipped(ctx, job, "No matches found")
	}

	// Step 4: prepare, bounded concurrency 10.
	candidates, err := e.prepare(ctx, rawMatches)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	// Step 5: sort descending by arbitrageWei, tie-break earlier offer start time.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].match, candidates[j].match
		cmp := a.ArbitrageWei.Cmp(b.ArbitrageWei)
		if cmp != 0 {
			return cmp > 0
		}
		return a.Offer.StartTime.Before(b.Offer.StartTime)
	})

	// Step 6: verify at target, bounded concurrency 10.
	candidates = e.verify(ctx, candidates, job.Target, targetMaxFeePerGasWei)

	// Step 7: joint simulation to convergence.
	state, err := e.loadSimulatorState(ctx, candidates, job.Current.Number)
	if err != nil {
		return fmt.Errorf("load simulator state: %w", err)
	}
	executables := e.simulateToConvergence(state, candidates)
	if len(executables) == 0 {
		return e.recordSkipped(ctx, job, "No matches found")
	}

	// Step 8/9/10/11/12/13 run under the balance-loss retry policy.
	return retry.Do(ctx, retry.Linear3x(0), func(err error) bool {
		var balanceLoss *domain.BalanceLossError
		return asBalanceLossError(err, &balanceLoss)
	}, func(attempt int) error {
		return e.attemptBlock(ctx, job, executables, attempt)
	})
}

func asBalanceLossError(err error, target **domain.BalanceLossError) bool {
	if err == nil {
		return false
	}
	if le, ok := err.(*domain.BalanceLossError); ok {
		*target = le
		return true
	}
	return false
}

// dropPendingTouching filters out matches touching any order currently
// reserved as pending by a prior block within the configured window, per
// spec.md §4.9 step 3.
func (e *Engine) dropPendingTouching(ctx context.Context, matches []*domain.Match) []*domain.Match {
	filtered := make([]*domain.Match, 0, len(matches))
	for _, m := range matches {
		listingStatus, _ := e.store.Status(ctx, m.Listing.ID)
		offerStatus, _ := e.store.Status(ctx, m.Offer.ID)
		if listingStatus == "pending" || offerStatus == "pending" {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

func (e *Engine) recordSkipped(ctx context.Context, job scheduler.Job, reason string) error {
	block := &domain.ExecutionBlock{
		Number:        job.Current.Number,
		Timestamp:     job.Current.Timestamp,
		BaseFeePerGas: job.Current.BaseFeePerGas,
		Status:        domain.BlockSkipped,
		SkipReason:    reason,
	}
	if err := e.store.SetBlock(ctx, block); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BlocksProcessed.WithLabelValues(string(domain.BlockSkipped)).Inc()
	}
	return e.store.PushRecentBlock(ctx, block.Number)
}

// prepare implements spec.md §4.9 step 4 with bounded concurrency 10.
func (e *Engine) prepare(ctx context.Context, matches []*domain.Match) ([]*candidate, error) {
	sem := semaphore.NewWeighted(prepareVerifyConcurrency)
	out := make([]*candidate, len(matches))

	errCh := make(chan error, len(matches))
	for i, m := range matches {
		i, m := i, m
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer sem.Release(1)
			c := &candidate{match: m, executable: true}
			if !m.IsNative {
				sig, conduit, err := e.marketplace.FulfillmentData(ctx, m.Listing)
				if err != nil {
					// Transient failure: drop this candidate, never abort
					// the whole block.
					errCh <- nil
					return
				}
				c.signature = sig
				c.conduit = conduit
			}
			out[i] = c
			errCh <- nil
		}()
	}
	for range matches {
		if err := <-errCh; err != nil {
			return nil, err
		}
	}

	prepared := make([]*candidate, 0, len(out))
	for _, c := range out {
		if c != nil {
			prepared = append(prepared, c)
		}
	}
	return prepared, nil
}

// verify implements spec.md §4.9 step 6's checks, bounded concurrency 10.
func (e *Engine) verify(ctx context.Context, candidates []*candidate, target scheduler.Block, targetMaxFeePerGasWei *big.Int) []*candidate {
	sem := semaphore.NewWeighted(prepareVerifyConcurrency)
	verified := make([]*candidate, len(candidates))

	done := make(chan struct{}, len(candidates))
	for i, c := range candidates {
		i, c := i, c
		sem.Acquire(ctx, 1)
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			if verifyMatch(c.match, target, targetMaxFeePerGasWei) {
				verified[i] = c
			}
		}()
	}
	for range candidates {
		<-done
	}

	out := make([]*candidate, 0, len(verified))
	for _, c := range verified {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// verifyMatch applies every check spec.md §4.9 step 6 names.
func verifyMatch(m *domain.Match, target scheduler.Block, targetMaxFeePerGasWei *big.Int) bool {
	listing, offer := m.Listing, m.Offer
	if listing.Signer == offer.Signer {
		return false
	}
	if listing.RawSignedBody == nil || offer.RawSignedBody == nil {
		if !listing.IsMatchExecutorOrder() && !offer.IsMatchExecutorOrder() {
			return false
		}
	}
	if listing.Side != domain.SideListing || offer.Side != domain.SideOffer {
		return false
	}
	if listing.Currency != offer.Currency {
		return false
	}
	if listing.Complication != offer.Complication {
		return false
	}
	if listing.NumItems != 1 || offer.NumItems != 1 {
		return false
	}
	if offer.PriceWei().Cmp(listing.PriceWei()) < 0 {
		return false
	}
	if !orderCoversTarget(listing, target.Timestamp) || !orderCoversTarget(offer, target.Timestamp) {
		return false
	}
	if offer.MaxGasPriceWei.Cmp(targetMaxFeePerGasWei) < 0 {
		return false
	}
	return true
}

func orderCoversTarget(o *domain.Order, targetTimestamp time.Time) bool {
	if targetTimestamp.Before(o.StartTime) {
		return false
	}
	if !o.HasExpiry() {
		return true
	}
	return targetTimestamp.Before(o.EndTime)
}

// loadSimulatorState implements spec.md §4.9 step 7's batched, deduplicated
// state load at currentBlock.number, bounded concurrency 800.
func (e *Engine) loadSimulatorState(ctx context.Context, candidates []*candidate, atBlock uint64) (*simulator.State, error) {
	state := simulator.New()

	type loadKey struct {
		kind    string
		account domain.Address
		operand domain.Address
		token   string
	}
	seen := make(map[loadKey]struct{})
	var keys []loadKey
	addKey := func(k loadKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	for _, c := range candidates {
		m := c.match
		addKey(loadKey{kind: "erc721", account: m.Listing.Collection, token: tokenIDString(m.Listing)})
		addKey(loadKey{kind: "weth", account: m.Offer.Signer})
		addKey(loadKey{kind: "allowance", account: m.Offer.Signer, operand: m.Listing.Complication})
		addKey(loadKey{kind: "eth", account: m.Offer.Signer})
		addKey(loadKey{kind: "eth", account: m.Listing.Signer})
	}

	sem := semaphore.NewWeighted(stateLoadConcurrency)
	errCh := make(chan error, len(keys))
	for _, k := range keys {
		k := k
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer sem.Release(1)
			var err error
			switch k.kind {
			case "erc721":
				var owner domain.Address
				owner, err = e.state.ERC721Owner(ctx, k.account, k.token, atBlock)
				if err == nil {
					state.SetERC721Owner(k.account, k.token, owner)
				}
			case "weth":
				var bal *big.Int
				bal, err = e.state.WETHBalance(ctx, k.account, atBlock)
				if err == nil {
					state.SetWETHBalance(k.account, bal)
				}
			case "allowance":
				var allowance *big.Int
				allowance, err = e.state.WETHAllowance(ctx, k.account, k.operand, atBlock)
				if err == nil {
					state.SetWETHAllowance(k.account, k.operand, allowance)
				}
			case "eth":
				var bal *big.Int
				bal, err = e.state.ETHBalance(ctx, k.account, atBlock)
				if err == nil {
					state.SetETHBalance(k.account, bal)
				}
			}
			errCh <- err
		}()
	}
	for range keys {
		if err := <-errCh; err != nil {
			return nil, fmt.Errorf("load chain state: %w", err)
		}
	}

	state.Baseline()
	return state, nil
}

func tokenIDString(listing *domain.Order) string {
	if listing.TokenID == nil {
		return ""
	}
	return listing.TokenID.String()
}

// simulateToConvergence implements spec.md §4.9 step 7's iterate-to-fixpoint
// loop: reset, apply non-native legs marking failures inexecutable, then try
// native legs in order, re-running from reset whenever one native leg
// fails, until a full pass applies cleanly.
func (e *Engine) simulateToConvergence(state *simulator.State, candidates []*candidate) []*candidate {
	active := candidates
	for {
		state.Reset()
		stillActive := make([]*candidate, 0, len(active))
		for _, c := range active {
			info := nonNativeLegInfo(c.match)
			if err := state.Simulate(info); err != nil {
				c.executable = false
				c.reason = err.Error()
				continue
			}
			stillActive = append(stillActive, c)
		}

		rejectedOne := false
		executable := make([]*candidate, 0, len(stillActive))
		for _, c := range stillActive {
			info := nativeLegInfo(c.match)
			if err := state.Simulate(info); err != nil {
				c.executable = false
				c.reason = err.Error()
				rejectedOne = true
				active = removeCandidate(stillActive, c)
				break
			}
			executable = append(executable, c)
		}
		if !rejectedOne {
			return executable
		}
	}
}

func removeCandidate(candidates []*candidate, remove *candidate) []*candidate {
	out := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if c != remove {
			out = append(out, c)
		}
	}
	return out
}

// nonNativeLegInfo and nativeLegInfo translate a Match into the simulator's
// leg representation. The concrete per-protocol transfer shapes (which
// parties, which currency) are supplied by the marketplace client for
// non-native legs and the exchange's own settlement rules for native legs;
// this engine only orchestrates, consistent with C4 being pure and I/O-free.
func nonNativeLegInfo(m *domain.Match) simulator.MatchExecInfo {
	if m.IsNative {
		return simulator.MatchExecInfo{}
	}
	return simulator.MatchExecInfo{
		NonNativeLegs: []simulator.Leg{
			{Collection: m.Listing.Collection, TokenID: tokenIDString(m.Listing), From: m.Listing.Signer, To: m.Offer.Signer},
		},
	}
}

func nativeLegInfo(m *domain.Match) simulator.MatchExecInfo {
	legs := []simulator.Leg{}
	if m.IsNative {
		legs = append(legs, simulator.Leg{Collection: m.Listing.Collection, TokenID: tokenIDString(m.Listing), From: m.Listing.Signer, To: m.Offer.Signer})
	}
	legs = append(legs, simulator.Leg{
		Currency: m.Offer.Currency, From: m.Offer.Signer, To: m.Listing.Signer,
		Amount: m.Listing.PriceWei(), Operator: m.Listing.Complication,
	})
	return simulator.MatchExecInfo{
		NativeLegs: legs,
		OrderIDs:   []domain.OrderID{m.Listing.ID, m.Offer.ID},
	}
}
