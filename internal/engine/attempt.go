package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/DimaJoyti/go-coffee/internal/broadcast"
	"github.com/DimaJoyti/go-coffee/internal/durable"
	"github.com/DimaJoyti/go-coffee/internal/executor"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/internal/scheduler"
)

// attemptBlock implements spec.md §4.9 steps 8-13 for one retry attempt of
// the already-converged executable set.
func (e *Engine) attemptBlock(ctx context.Context, job scheduler.Job, executables []*candidate, attempt int) error {
	start := time.Now()

	// Step 8: compose transaction. The broadcast transaction's own account
	// nonce comes from the chain's confirmed transaction count for the
	// match-executor account (eth_getTransactionCount), distinct from the
	// nonce provider's exchange order-nonce counter used below to sign the
	// intermediary's own order half of a native match (spec.md §4.5/§4.6).
	txNonce, err := e.chain.NonceAt(ctx, common.HexToAddress(e.matchExecutor))
	if err != nil {
		return fmt.Errorf("read match-executor account nonce: %w", err)
	}
	tx, err := e.composeTransaction(ctx, job, executables, txNonce)
	if err != nil {
		return fmt.Errorf("compose transaction: %w", err)
	}

	// Step 9: balance-change simulation.
	intermediaryDelta, causingMatch := e.simulateBalanceChange(executables)
	if intermediaryDelta.Sign() < 0 {
		if causingMatch != nil {
			if err := e.quarantine(ctx, causingMatch); err != nil {
				e.log.Error("quarantine write failed", "match", causingMatch.match.MatchID(), "error", err)
			}
		}
		return &domain.BalanceLossError{Attempt: attempt + 1, MaxAttempts: balanceLossMaxAttempts}
	}

	// Step 10: record pending.
	if err := e.recordPending(ctx, job, executables); err != nil {
		return fmt.Errorf("record pending: %w", err)
	}

	// Step 11: broadcast.
	receipt, err := e.broadcaster.Broadcast(ctx, tx, job.Target.Number, job.Current.Timestamp, job.Target.Timestamp)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	// Step 12: record result.
	if err := e.recordResult(ctx, job, executables, receipt, time.Since(start)); err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	// Step 13: cleanup. Pending records carry their own Redis TTL, so
	// expiry is enforced by Redis itself.
	return nil
}

// composeTransaction builds the single transaction for this block's
// executable set: executeNativeMatches when every match is native, or
// executeBrokerMatches (which also folds in native legs, per spec.md §4.5)
// when at least one non-native match survived. txNonce is the account's
// on-chain transaction count (see attemptBlock); it has nothing to do with
// the per-order nonce allocated below for the intermediary's own order.
func (e *Engine) composeTransaction(ctx context.Context, job scheduler.Job, executables []*candidate, txNonce uint64) (*types.Transaction, error) {
	fee := executor.FeeParams{
		ChainID:              e.chainID,
		Nonce:                txNonce,
		GasLimit:             estimateGasLimit(executables),
		MaxFeePerGas:         new(big.Int).Add(job.Target.BaseFeePerGas, e.priorityFeeWei),
		MaxPriorityFeePerGas: e.priorityFeeWei,
	}

	allNative := true
	for _, c := range executables {
		if !c.match.IsNative {
			allNative = false
			break
		}
	}

	if allNative {
		orders := make([]executor.NativeMatchOrders, len(executables))
		for i, c := range executables {
			if err := e.signIntermediarySide(ctx, job, c); err != nil {
				return nil, fmt.Errorf("sign intermediary order for %s: %w", c.match.MatchID(), err)
			}
			orders[i] = executor.NativeMatchOrders{
				Listing: c.match.Listing.RawSignedBody,
				Offer:   c.match.Offer.RawSignedBody,
			}
		}
		return e.exchange.ComposeNativeTx(orders, fee, e.signer)
	}

	batches := make([]executor.Batch, 0, len(executables))
	for _, c := range executables {
		batch := executor.Batch{}
		if c.match.IsNative {
			if err := e.signIntermediarySide(ctx, job, c); err != nil {
				return nil, fmt.Errorf("sign intermediary order for %s: %w", c.match.MatchID(), err)
			}
			batch.NFTsToTransfer = []executor.NFTTransfer{nftTransferFor(c.match)}
		} else {
			fulfillment, err := e.marketplace.BuildExternalCall(ctx, c.match.Listing, c.match.Offer, c.signature, c.conduit)
			if err != nil {
				return nil, fmt.Errorf("build external call for %s: %w", c.match.MatchID(), err)
			}
			batch.ExternalFulfillments = []executor.ExternalFulfillment{fulfillment}
			batch.NFTsToTransfer = []executor.NFTTransfer{nftTransferFor(c.match)}
		}
		batches = append(batches, batch)
	}
	return e.exchange.ComposeBrokerTx(batches, fee, e.signer)
}

// signIntermediarySide fills in and EIP-712-signs the zero-signer
// match-executor side of a native match, per spec.md §4.5, if the match has
// one. Matches between two user-signed orders are left untouched.
func (e *Engine) signIntermediarySide(ctx context.Context, job scheduler.Job, c *candidate) error {
	var counterparty *domain.Order
	var assign func(*domain.Order)
	switch {
	case c.match.Listing.IsMatchExecutorOrder():
		counterparty = c.match.Offer
		assign = func(o *domain.Order) { c.match.Listing = o }
	case c.match.Offer.IsMatchExecutorOrder():
		counterparty = c.match.Listing
		assign = func(o *domain.Order) { c.match.Offer = o }
	default:
		return nil
	}

	orderNonce, err := e.nonces.Next(ctx)
	if err != nil {
		return fmt.Errorf("allocate match-executor order nonce: %w", err)
	}
	signed, err := executor.SignIntermediaryOrder(
		counterparty, job.Current.Timestamp, job.Target.Timestamp, orderNonce,
		e.chainID, e.exchange.Address(), e.signer,
	)
	if err != nil {
		return err
	}
	assign(signed)
	return nil
}

func nftTransferFor(m *domain.Match) executor.NFTTransfer {
	return executor.NFTTransfer{
		Collection: common.HexToAddress(string(m.Listing.Collection)),
		TokenID:    m.Listing.TokenID,
	}
}

func estimateGasLimit(executables []*candidate) uint64 {
	const baseGas = 21_000
	const perMatchGas = 150_000
	return baseGas + uint64(len(executables))*perMatchGas
}

// simulateBalanceChange implements spec.md §4.9 step 9: the intermediary's
// aggregate ETH+WETH delta is the sum of non-native matches' arbitrage
// (native matches settle at zero net to the intermediary by construction).
// When negative, the culprit is found by incremental prefix reconstruction
// ("estimateGas each prefix until one fails" in spec terms): the first
// match whose running total turns the sum negative.
func (e *Engine) simulateBalanceChange(executables []*candidate) (*big.Int, *candidate) {
	total := big.NewInt(0)
	for _, c := range executables {
		if !c.match.IsNative {
			total = new(big.Int).Add(total, c.match.ArbitrageWei)
		}
	}
	if total.Sign() >= 0 {
		return total, nil
	}

	running := big.NewInt(0)
	for _, c := range executables {
		if c.match.IsNative {
			continue
		}
		running = new(big.Int).Add(running, c.match.ArbitrageWei)
		if running.Sign() < 0 {
			return total, c
		}
	}
	return total, nil
}

func (e *Engine) quarantine(ctx context.Context, c *candidate) error {
	record := &domain.ExecutionOrder{
		OrderID:            c.match.Offer.ID,
		State:              domain.ExecOrderPending,
		InexecutableReason: "balance-loss quarantine",
		Timestamp:          time.Now(),
	}
	return e.store.SetPending(ctx, c.match.Offer.ID, record, int64(e.quarantineWindow.Seconds()))
}

func (e *Engine) recordPending(ctx context.Context, job scheduler.Job, executables []*candidate) error {
	for _, c := range executables {
		for _, order := range []*domain.Order{c.match.Listing, c.match.Offer} {
			record := &domain.ExecutionOrder{
				OrderID:     order.ID,
				BlockNumber: job.Current.Number,
				State:       domain.ExecOrderPending,
				Timestamp:   time.Now(),
			}
			if err := e.store.SetPending(ctx, order.ID, record, int64(e.pendingOrderWindow.Seconds())); err != nil {
				return err
			}
		}
	}
	block := &domain.ExecutionBlock{
		Number:               job.Current.Number,
		Timestamp:            job.Current.Timestamp,
		BaseFeePerGas:        job.Current.BaseFeePerGas,
		Status:               domain.BlockPending,
		NumExecutableMatches: len(executables),
	}
	return e.store.SetBlock(ctx, block)
}

// recordResult implements spec.md §4.9 step 12: on receipt.status == 1,
// write executed records for every touched order and append them to the
// durable store; on status == 0, write not-included records. Either way,
// bump the recent-blocks capped list.
func (e *Engine) recordResult(ctx context.Context, job scheduler.Job, executables []*candidate, receipt *broadcast.Receipt, duration time.Duration) error {
	touched := make([]*domain.Order, 0, len(executables)*2)
	for _, c := range executables {
		touched = append(touched, c.match.Listing, c.match.Offer)
	}

	if receipt.Status == 1 {
		durableRecords := make([]durable.ExecutedOrderRecord, 0, len(touched))
		effectiveGasPrice, _ := new(big.Int).SetString(receipt.EffectiveGasPrice, 10)
		if effectiveGasPrice == nil {
			effectiveGasPrice = big.NewInt(0)
		}
		for _, order := range touched {
			record := &domain.ExecutionOrder{
				OrderID:           order.ID,
				BlockNumber:       job.Current.Number,
				State:             domain.ExecOrderExecuted,
				TxHash:            receipt.TxHash,
				GasUsed:           receipt.GasUsed,
				EffectiveGasPrice: effectiveGasPrice,
				Timestamp:         job.Current.Timestamp,
			}
			if err := e.store.SetExecuted(ctx, order.ID, record); err != nil {
				return err
			}
			durableRecords = append(durableRecords, durable.ExecutedOrderRecord{
				OrderID: string(order.ID), BlockNumber: job.Current.Number, TxHash: receipt.TxHash,
				GasUsed: receipt.GasUsed, EffectiveGasPrice: effectiveGasPrice, ExecutedAt: time.Now(),
			})
		}
		if err := e.durable.RecordExecutedOrders(ctx, durableRecords); err != nil {
			return err
		}
		e.log.Info("block executed", "block", job.Current.Number, "orders", len(touched), "duration", duration)
	} else {
		for _, order := range touched {
			record := &domain.ExecutionOrder{
				OrderID:     order.ID,
				BlockNumber: job.Current.Number,
				State:       domain.ExecOrderNotIncluded,
				TxHash:      receipt.TxHash,
				Timestamp:   job.Current.Timestamp,
			}
			if err := e.store.SetNotIncluded(ctx, order.ID, record); err != nil {
				return err
			}
		}
	}

	block := &domain.ExecutionBlock{
		Number:               job.Current.Number,
		Timestamp:            job.Current.Timestamp,
		BaseFeePerGas:        job.Current.BaseFeePerGas,
		Status:               blockStatusFor(receipt),
		NumExecutableMatches: len(executables),
		TxHash:               receipt.TxHash,
		Timing:               duration,
	}
	if err := e.store.SetBlock(ctx, block); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BlocksProcessed.WithLabelValues(string(block.Status)).Inc()
		e.metrics.ExecutionDuration.Observe(duration.Seconds())
	}
	return e.store.PushRecentBlock(ctx, block.Number)
}

func blockStatusFor(receipt *broadcast.Receipt) domain.BlockStatus {
	if receipt.Status == 1 {
		return domain.BlockExecuted
	}
	return domain.BlockNotIncluded
}
