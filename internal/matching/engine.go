// Package matching implements the per-collection matching engine (C3):
// given one freshly-admitted order, find every compatible counter-order
// already in the store and record the economically executable pairs.
//
// Grounded on the teacher's internal/order domain-service layer for the
// job-consumer shape, and on crypto-terminal/internal/hft/domain/entities
// for the pure-function classification style reused from
// internal/orderbook/domain.Classify.
package matching

import (
	"context"
	"fmt"
	"sort"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/redisstore"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
	"github.com/DimaJoyti/go-coffee/pkg/metrics"
)

// Engine runs matchOrder against one collection's order store.
type Engine struct {
	store      *redisstore.Store
	log        *logger.Logger
	matchLimit int64
	metrics    *metrics.Registry
}

// New builds an Engine. matchLimit bounds the number of candidates examined
// per call, per spec.md §4.3's MATCH_LIMIT (10-50). metrics may be nil, in
// which case matches-recorded instrumentation is skipped.
func New(store *redisstore.Store, log *logger.Logger, matchLimit int64, metricsRegistry *metrics.Registry) *Engine {
	if matchLimit <= 0 {
		matchLimit = 50
	}
	return &Engine{store: store, log: log.Named("matching-engine"), matchLimit: matchLimit, metrics: metricsRegistry}
}

// candidates selects which ordered set(s) to query for order, per
// spec.md §4.1's three set-combination plans.
func (e *Engine) candidates(ctx context.Context, order *domain.Order) ([]redisstore.PriceLevel, error) {
	tokenID := ""
	if order.TokenID != nil {
		tokenID = order.TokenID.String()
	}

	switch {
	case order.Side == domain.SideOffer && order.TargetsToken():
		// Offer on a specific token: token listings, ascending up to the
		// offer's price.
		return e.store.ActivePriceSet(ctx, redisstore.PriceSetFilter{
			Collection: order.Collection, TokenID: tokenID, Side: domain.SideListing,
			MinPriceEth: 0, MaxPriceEth: order.PriceEth(), Limit: e.matchLimit,
		})
	case order.Side == domain.SideListing:
		// Listing on a specific token: token offers, descending from the
		// listing's price. Collection-wide offers are merged in by the
		// caller via mergeCollectionOffers, since they live in a separate
		// ordered set with no tokenId axis.
		return e.store.ActivePriceSet(ctx, redisstore.PriceSetFilter{
			Collection: order.Collection, TokenID: tokenID, Side: domain.SideOffer,
			MinPriceEth: order.PriceEth(), Descending: true, Limit: e.matchLimit,
		})
	default:
		// Collection-wide offer: every already-active listing in the
		// collection, regardless of token, ascending up to the offer's
		// price. Backed by the collection-wide listings index the store
		// maintains alongside each per-token one.
		return e.store.ActivePriceSet(ctx, redisstore.PriceSetFilter{
			Collection: order.Collection, Side: domain.SideListing,
			MinPriceEth: 0, MaxPriceEth: order.PriceEth(), Limit: e.matchLimit,
		})
	}
}

// mergeCollectionOffers appends the collection-wide offers set (no tokenId
// axis) to a listing's token-offers candidates, descending from the
// listing's price, capped at the engine's match limit combined.
func (e *Engine) mergeCollectionOffers(ctx context.Context, order *domain.Order, existing []redisstore.PriceLevel) ([]redisstore.PriceLevel, error) {
	remaining := e.matchLimit - int64(len(existing))
	if remaining <= 0 {
		return existing, nil
	}
	extra, err := e.store.ActivePriceSet(ctx, redisstore.PriceSetFilter{
		Collection: order.Collection, Side: domain.SideOffer,
		MinPriceEth: order.PriceEth(), Descending: true, Limit: remaining,
	})
	if err != nil {
		return nil, err
	}
	return append(existing, extra...), nil
}

// MatchOrder runs matchOrder(order) per spec.md §4.3: selects candidates,
// classifies each against order, and records every economically executable
// match. order must already be written to the store with status active.
func (e *Engine) MatchOrder(ctx context.Context, order *domain.Order) error {
	levels, err := e.candidates(ctx, order)
	if err != nil {
		return fmt.Errorf("matching: candidates for %s: %w", order.ID, err)
	}
	if order.Side == domain.SideListing {
		levels, err = e.mergeCollectionOffers(ctx, order, levels)
		if err != nil {
			return fmt.Errorf("matching: merge collection offers for %s: %w", order.ID, err)
		}
	}

	matches := make([]*domain.Match, 0, len(levels))
	for _, level := range levels {
		candidate, err := e.store.Get(ctx, level.OrderID)
		if err != nil {
			return fmt.Errorf("matching: load candidate %s: %w", level.OrderID, err)
		}
		if candidate == nil {
			continue // discarded: candidate record has since been removed
		}

		listing, offer := order, candidate
		if order.Side == domain.SideOffer {
			listing, offer = candidate, order
		}

		match, err := domain.Classify(listing, offer)
		if err != nil {
			if err == domain.ErrUnsupportedMatchShape {
				// Internal invariant error: a native listing can never pair
				// with a non-native offer under this system's set indexes,
				// so reaching this branch means a data invariant broke
				// upstream. Log and skip rather than abort the whole call.
				e.log.Error("unsupported match shape", "listing", listing.ID, "offer", offer.ID, "error", err)
				continue
			}
			e.log.Debug("candidate rejected", "order", order.ID, "candidate", level.OrderID, "error", err)
			continue
		}
		matches = append(matches, match)
	}

	sortDeterministic(matches)

	for _, m := range matches {
		if err := e.store.RecordMatch(ctx, m); err != nil {
			return fmt.Errorf("matching: record match %s: %w", m.MatchID(), err)
		}
		if e.metrics != nil {
			e.metrics.MatchesRecorded.Inc()
		}
	}
	return nil
}

// sortDeterministic breaks gas-price-tolerance ties by offer start time
// ascending, then lexicographic orderId, per spec.md §4.3.
func sortDeterministic(matches []*domain.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		cmp := a.MaxGasPriceGwei.Cmp(b.MaxGasPriceGwei)
		if cmp != 0 {
			return cmp > 0
		}
		if !a.Offer.StartTime.Equal(b.Offer.StartTime) {
			return a.Offer.StartTime.Before(b.Offer.StartTime)
		}
		return a.Offer.ID < b.Offer.ID
	})
}
