// Package nonce implements the nonce provider (C6): the single source of
// monotonically increasing nonces for the intermediary's match-executor
// orders, per spec.md §4.6. Transaction nonces are not served here.
package nonce

import (
	"context"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/DimaJoyti/go-coffee/internal/durable"
)

// OnChainReader reads the live userMinOrderNonce(executor) value from the
// exchange contract. Implemented by internal/executor's ABI binding; kept
// as an interface here so this package never imports contract bindings
// directly.
type OnChainReader interface {
	UserMinOrderNonce(ctx context.Context, account string) (*big.Int, error)
}

// Provider coordinates the durable record and the live on-chain reads that
// together determine the next usable nonce.
type Provider struct {
	durable       *durable.Store
	reader        OnChainReader
	chainID       int64
	matchExecutor string
	exchange      string
}

// New builds a Provider for one (chain, match-executor, exchange) triple.
func New(store *durable.Store, reader OnChainReader, chainID int64, matchExecutor, exchange string) *Provider {
	return &Provider{durable: store, reader: reader, chainID: chainID, matchExecutor: matchExecutor, exchange: exchange}
}

// Next returns the next nonce to use for a match-executor order:
// max(durable record, on-chain userMinOrderNonce) + 1, per
// spec.md §4.6. The durable transaction is the only source of monotonic
// advancement; concurrent callers serialize at that transaction.
func (p *Provider) Next(ctx context.Context) (*big.Int, error) {
	var onChainMin *big.Int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		min, err := p.reader.UserMinOrderNonce(gctx, p.matchExecutor)
		if err != nil {
			return fmt.Errorf("nonce: read on-chain min nonce: %w", err)
		}
		onChainMin = min
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	next, err := p.durable.NextNonce(ctx, p.chainID, p.matchExecutor, p.exchange, onChainMin)
	if err != nil {
		return nil, fmt.Errorf("nonce: next: %w", err)
	}
	return next, nil
}
