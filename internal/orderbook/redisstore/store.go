// Package redisstore implements the order store (C1): the canonical
// per-order record plus the ordered-set indexes that let the matching
// engine (C3) express matching as a handful of Redis set operations instead
// of a table scan, per spec.md §4.1.
//
// Grounded on the teacher's
// internal/order/infrastructure/repository/redis_order_repository.go
// (pipelined writes, ZADD-based sorted sets, a JSON blob per entity), ported
// from go-redis/v8 to redis/go-redis/v9, the newer client already used by
// crypto-terminal/internal/hft.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

const recentBlocksCap = 16

// Store is the Redis-backed implementation of C1.
type Store struct {
	client *redis.Client
	log    *logger.Logger
}

// New builds a Store bound to client.
func New(client *redis.Client, log *logger.Logger) *Store {
	return &Store{client: client, log: log.Named("orderbook")}
}

// --- key helpers ---

func orderKey(id domain.OrderID) string       { return fmt.Sprintf("order:%s", id) }
func orderStatusKey(id domain.OrderID) string { return fmt.Sprintf("order:%s:status", id) }

func tokenListingsKey(collection domain.Address, tokenID string) string {
	return fmt.Sprintf("listings:collection:%s:token:%s", collection, tokenID)
}

func collectionListingsKey(collection domain.Address) string {
	return fmt.Sprintf("listings:collection:%s:any-token", collection)
}

func tokenOffersKey(collection domain.Address, tokenID string) string {
	return fmt.Sprintf("offers:collection:%s:token:%s", collection, tokenID)
}

func collectionOffersKey(collection domain.Address) string {
	return fmt.Sprintf("offers:collection:%s:any-token", collection)
}

func activeOrdersKey() string { return "orders:active" }

func matchesByGasPriceKey() string { return "matches:by-gas-price" }

func orderMatchesKey(id domain.OrderID) string { return fmt.Sprintf("order:%s:matches", id) }

func matchKey(matchID string) string { return fmt.Sprintf("match:%s", matchID) }

func pendingKey(id domain.OrderID) string      { return fmt.Sprintf("order:%s:exec:pending", id) }
func executedKey(id domain.OrderID) string     { return fmt.Sprintf("order:%s:exec:executed", id) }
func notIncludedKey(id domain.OrderID) string  { return fmt.Sprintf("order:%s:exec:not-included", id) }
func inexecutableKey(id domain.OrderID) string { return fmt.Sprintf("order:%s:exec:inexecutable", id) }
func blockKey(number uint64) string            { return fmt.Sprintf("block:%d", number) }
func recentBlocksKey() string                  { return "blocks:recent" }

// Put writes order with status, replacing any prior entry under the same
// id. Idempotent: the same (order, status) pair re-applied is a no-op aside
// from the underlying index membership, which ZADD/SADD already make
// idempotent.
func (s *Store) Put(ctx context.Context, order *domain.Order, status domain.Status) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("orderbook: marshal order %s: %w", order.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, orderKey(order.ID), data, 0)
	pipe.Set(ctx, orderStatusKey(order.ID), string(status), 0)

	tokenID := ""
	if order.TokenID != nil {
		tokenID = order.TokenID.String()
	}
	switch {
	case status == domain.StatusActive && order.Side == domain.SideListing:
		pipe.ZAdd(ctx, tokenListingsKey(order.Collection, tokenID), redis.Z{
			Score: order.PriceEth(), Member: string(order.ID),
		})
		// Also indexed collection-wide (no tokenId axis) so a collection-wide
		// offer admitted after this listing can find it directly via
		// ActivePriceSet, without having to enumerate every token in the
		// collection.
		pipe.ZAdd(ctx, collectionListingsKey(order.Collection), redis.Z{
			Score: order.PriceEth(), Member: string(order.ID),
		})
		pipe.SAdd(ctx, activeOrdersKey(), string(order.ID))
	case status == domain.StatusActive && order.Side == domain.SideOffer:
		if order.TargetsToken() {
			pipe.ZAdd(ctx, tokenOffersKey(order.Collection, tokenID), redis.Z{
				Score: order.PriceEth(), Member: string(order.ID),
			})
		} else {
			pipe.ZAdd(ctx, collectionOffersKey(order.Collection), redis.Z{
				Score: order.PriceEth(), Member: string(order.ID),
			})
		}
		pipe.SAdd(ctx, activeOrdersKey(), string(order.ID))
	default:
		// Any non-active status removes the order from every index it
		// might be a member of; removal from a set the order never joined
		// is a harmless no-op.
		pipe.SRem(ctx, activeOrdersKey(), string(order.ID))
		pipe.ZRem(ctx, tokenListingsKey(order.Collection, tokenID), string(order.ID))
		pipe.ZRem(ctx, collectionListingsKey(order.Collection), string(order.ID))
		pipe.ZRem(ctx, tokenOffersKey(order.Collection, tokenID), string(order.ID))
		pipe.ZRem(ctx, collectionOffersKey(order.Collection), string(order.ID))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orderbook: put order %s: %w", order.ID, err)
	}
	return nil
}

// Get returns the order stored under id, or (nil, nil) if it is unknown.
func (s *Store) Get(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	data, err := s.client.Get(ctx, orderKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orderbook: get order %s: %w", id, err)
	}
	var order domain.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("orderbook: unmarshal order %s: %w", id, err)
	}
	return &order, nil
}

// Status returns the last-written status for id, or ("", nil) if unknown.
func (s *Store) Status(ctx context.Context, id domain.OrderID) (domain.Status, error) {
	v, err := s.client.Get(ctx, orderStatusKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("orderbook: status %s: %w", id, err)
	}
	return domain.Status(v), nil
}

// PriceLevel is one member of an active_price_set result.
type PriceLevel struct {
	OrderID  domain.OrderID
	PriceEth float64
}

// PriceSetFilter selects which ordered set active_price_set reads: token
// listings, collection-wide listings, token offers or collection-wide offers.
type PriceSetFilter struct {
	Collection      domain.Address
	TokenID         string // empty for the collection-wide set of the given side
	Side            domain.Side
	MinPriceEth     float64
	MaxPriceEth     float64 // 0 means +Inf
	Limit           int64
	Descending      bool
}

// ActivePriceSet returns the ordered (orderId, priceEth) members of the
// index selected by filter, intersected implicitly with the active-orders
// set via the storage invariant that non-active orders are always removed
// from these sets in Put.
func (s *Store) ActivePriceSet(ctx context.Context, filter PriceSetFilter) ([]PriceLevel, error) {
	var key string
	switch {
	case filter.Side == domain.SideListing && filter.TokenID != "":
		key = tokenListingsKey(filter.Collection, filter.TokenID)
	case filter.Side == domain.SideListing:
		key = collectionListingsKey(filter.Collection)
	case filter.Side == domain.SideOffer && filter.TokenID != "":
		key = tokenOffersKey(filter.Collection, filter.TokenID)
	default:
		key = collectionOffersKey(filter.Collection)
	}

	maxStr := "+inf"
	if filter.MaxPriceEth > 0 {
		maxStr = fmt.Sprintf("%f", filter.MaxPriceEth)
	}
	minStr := fmt.Sprintf("%f", filter.MinPriceEth)

	var raw []redis.Z
	var err error
	if filter.Descending {
		raw, err = s.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: minStr, Max: maxStr, Count: filter.Limit,
		}).Result()
	} else {
		raw, err = s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: minStr, Max: maxStr, Count: filter.Limit,
		}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("orderbook: active_price_set %s: %w", key, err)
	}

	levels := make([]PriceLevel, 0, len(raw))
	for _, z := range raw {
		levels = append(levels, PriceLevel{OrderID: domain.OrderID(z.Member.(string)), PriceEth: z.Score})
	}
	return levels, nil
}

// RecordMatch writes match's blob and indexes it under the global
// matches-by-gas-price max-heap and both orders' order→matches sets.
func (s *Store) RecordMatch(ctx context.Context, match *domain.Match) error {
	data, err := json.Marshal(match)
	if err != nil {
		return fmt.Errorf("orderbook: marshal match %s: %w", match.MatchID(), err)
	}

	score, _ := new(big.Float).SetInt(match.MaxGasPriceGwei).Float64()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, matchKey(match.MatchID()), data, 0)
	pipe.ZAdd(ctx, matchesByGasPriceKey(), redis.Z{Score: score, Member: match.MatchID()})
	pipe.SAdd(ctx, orderMatchesKey(match.Listing.ID), match.MatchID())
	pipe.SAdd(ctx, orderMatchesKey(match.Offer.ID), match.MatchID())
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("orderbook: record match %s: %w", match.MatchID(), err)
	}
	return nil
}

// BestMatches returns the top-limit matches with maxGasPriceGwei at least
// targetGasPriceGwei, highest score first. Matches with equal scores come
// back in reverse lexicographic order of their match IDs; insertion time
// plays no part in the order.
func (s *Store) BestMatches(ctx context.Context, targetGasPriceGwei float64, limit int64) ([]*domain.Match, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, matchesByGasPriceKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", targetGasPriceGwei), Max: "+inf", Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("orderbook: best_matches: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = matchKey(id)
	}
	blobs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("orderbook: best_matches mget: %w", err)
	}

	matches := make([]*domain.Match, 0, len(blobs))
	for _, b := range blobs {
		str, ok := b.(string)
		if !ok {
			continue // match blob evicted/garbage-collected since the ZREVRANGEBYSCORE read
		}
		var m domain.Match
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("orderbook: best_matches unmarshal: %w", err)
		}
		matches = append(matches, &m)
	}
	return matches, nil
}

// MatchesForOrder returns every match recorded against id, most useful for
// the control surface's per-order inspection endpoint.
func (s *Store) MatchesForOrder(ctx context.Context, id domain.OrderID) ([]*domain.Match, error) {
	matchIDs, err := s.client.SMembers(ctx, orderMatchesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("orderbook: matches for order %s: %w", id, err)
	}
	if len(matchIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(matchIDs))
	for i, id := range matchIDs {
		keys[i] = matchKey(id)
	}
	blobs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("orderbook: matches for order %s mget: %w", id, err)
	}

	matches := make([]*domain.Match, 0, len(blobs))
	for _, b := range blobs {
		str, ok := b.(string)
		if !ok {
			continue
		}
		var m domain.Match
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, fmt.Errorf("orderbook: matches for order %s unmarshal: %w", id, err)
		}
		matches = append(matches, &m)
	}
	return matches, nil
}

// GetBlock returns the execution summary recorded for number, or (nil, nil)
// if none was written yet.
func (s *Store) GetBlock(ctx context.Context, number uint64) (*domain.ExecutionBlock, error) {
	data, err := s.client.Get(ctx, blockKey(number)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orderbook: get block %d: %w", number, err)
	}
	var block domain.ExecutionBlock
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("orderbook: unmarshal block %d: %w", number, err)
	}
	return &block, nil
}

// --- execution-status key-value writes ---

// SetPending marks orderId as reserved by an in-flight match attempt, per
// spec.md §5's pending-order-window concurrency control.
func (s *Store) SetPending(ctx context.Context, id domain.OrderID, record *domain.ExecutionOrder, ttl int64) error {
	return s.writeExecRecord(ctx, pendingKey(id), record, ttl)
}

func (s *Store) SetExecuted(ctx context.Context, id domain.OrderID, record *domain.ExecutionOrder) error {
	return s.writeExecRecord(ctx, executedKey(id), record, 0)
}

func (s *Store) SetNotIncluded(ctx context.Context, id domain.OrderID, record *domain.ExecutionOrder) error {
	return s.writeExecRecord(ctx, notIncludedKey(id), record, 0)
}

func (s *Store) SetInexecutable(ctx context.Context, id domain.OrderID, record *domain.ExecutionOrder) error {
	return s.writeExecRecord(ctx, inexecutableKey(id), record, 0)
}

func (s *Store) writeExecRecord(ctx context.Context, key string, record *domain.ExecutionOrder, ttlSeconds int64) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("orderbook: marshal exec record: %w", err)
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("orderbook: write %s: %w", key, err)
	}
	return nil
}

// SetBlock writes the per-block execution summary.
func (s *Store) SetBlock(ctx context.Context, block *domain.ExecutionBlock) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("orderbook: marshal block %d: %w", block.Number, err)
	}
	if err := s.client.Set(ctx, blockKey(block.Number), data, 0).Err(); err != nil {
		return fmt.Errorf("orderbook: set block %d: %w", block.Number, err)
	}
	return nil
}

// PushRecentBlock appends number to the capped recent-blocks list (size 16,
// per spec.md §4.1), trimming the oldest entry once the cap is exceeded.
func (s *Store) PushRecentBlock(ctx context.Context, number uint64) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, recentBlocksKey(), number)
	pipe.LTrim(ctx, recentBlocksKey(), 0, recentBlocksCap-1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("orderbook: push recent block %d: %w", number, err)
	}
	return nil
}

// RecentBlocks returns the capped recent-blocks list, newest first.
func (s *Store) RecentBlocks(ctx context.Context) ([]uint64, error) {
	raw, err := s.client.LRange(ctx, recentBlocksKey(), 0, recentBlocksCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("orderbook: recent blocks: %w", err)
	}
	out := make([]uint64, 0, len(raw))
	for _, v := range raw {
		var n uint64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
