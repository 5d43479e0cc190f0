// Package domain holds the core entities of the matching and execution
// pipeline: orders, their lifecycle status, derived matches, and the
// per-block execution projections built on top of them.
package domain

import (
	"errors"
	"math/big"
	"time"
)

// Side is which side of the book an order sits on.
type Side int8

const (
	SideUnknown Side = iota
	SideListing      // a sell order
	SideOffer        // a buy order
)

func (s Side) String() string {
	switch s {
	case SideListing:
		return "LISTING"
	case SideOffer:
		return "OFFER"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the side that can clear against s.
func (s Side) Opposite() Side {
	switch s {
	case SideListing:
		return SideOffer
	case SideOffer:
		return SideListing
	default:
		return SideUnknown
	}
}

// OrderSource identifies which marketplace protocol originated an order.
type OrderSource string

const (
	SourceNative     OrderSource = "native"
	SourceSeaport10  OrderSource = "seaport-v1.0"
	SourceSeaport14  OrderSource = "seaport-v1.4"
	SourceSeaport15  OrderSource = "seaport-v1.5"
)

// IsNative reports whether the order settles directly at the configured
// exchange rather than through an external marketplace.
func (s OrderSource) IsNative() bool { return s == SourceNative }

// Status is the lifecycle state of an order, assigned by the external
// order-event stream. Only StatusActive orders are eligible for matching.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// OrderID is the 32-byte order hash, hex-encoded with a 0x prefix.
type OrderID string

// Address is a 20-byte hex-encoded Ethereum address.
type Address string

// IsZero reports whether a is the zero address (used as the native-coin
// currency sentinel and as the unsigned-intermediary-order sentinel).
func (a Address) IsZero() bool {
	return a == "" || a == "0x0000000000000000000000000000000000000000"
}

// Order is an immutable signed limit order (a listing or an offer) for one
// NFT collection, optionally for one specific token.
//
// Invariants (spec.md §3):
//   - Signer is non-zero for every user order.
//   - Exactly one collection, at most one token.
//   - StartPriceWei == EndPriceWei (orders in scope are static-priced).
//   - IsMatchExecutorOrder() == true iff Source == native && Signer is zero;
//     such orders are filled in (signer/nonce/times/price) at match time and
//     must never be admitted from the external event stream.
type Order struct {
	ID            OrderID
	Side          Side
	Signer        Address
	Currency      Address // zero address == native coin
	Complication  Address
	Collection    Address
	TokenID       *big.Int // nil == collection-wide order
	NumItems      int
	StartPriceWei *big.Int
	EndPriceWei   *big.Int
	StartTime     time.Time
	EndTime       time.Time // zero value == no expiry
	Nonce         *big.Int
	MaxGasPriceWei *big.Int
	Source        OrderSource
	SourceOrder   []byte // opaque marketplace-specific payload
	GasUsage      uint64 // estimated external-fulfillment gas, non-native only
	RawSignedBody []byte
}

// ErrInvalidOrder is wrapped by every order-shape validation failure.
var ErrInvalidOrder = errors.New("invalid order")

// IsMatchExecutorOrder reports whether this is the unsigned intermediary
// side of a match, filled in at match time rather than ingested from a
// user-signed event.
func (o *Order) IsMatchExecutorOrder() bool {
	return o.Source == SourceNative && o.Signer.IsZero()
}

// HasExpiry reports whether the order carries a nonzero end time.
func (o *Order) HasExpiry() bool {
	return !o.EndTime.IsZero()
}

// ActiveAt reports whether the order's time window covers t. An order with
// no expiry is active at any t at or after its start time.
func (o *Order) ActiveAt(t time.Time) bool {
	if t.Before(o.StartTime) {
		return false
	}
	if !o.HasExpiry() {
		return true
	}
	return t.Before(o.EndTime)
}

// PriceWei returns the order's static price (StartPriceWei, which must equal
// EndPriceWei for every order in scope).
func (o *Order) PriceWei() *big.Int {
	return o.StartPriceWei
}

// PriceEth returns the price as a float64 number of whole-ether units,
// suitable only for use as a Redis sorted-set score (see
// internal/orderbook/redisstore). Never used for on-chain-exact comparisons.
func (o *Order) PriceEth() float64 {
	f := new(big.Float).SetInt(o.PriceWei())
	f.Quo(f, big.NewFloat(1e18))
	v, _ := f.Float64()
	return v
}

// TargetsToken reports whether the order is scoped to a single token rather
// than the whole collection.
func (o *Order) TargetsToken() bool {
	return o.TokenID != nil
}

// Validate checks the admission invariants from spec.md §4.2 that every
// order must satisfy before it is written to the store: single collection
// (implicit in the struct shape), at most one token (implicit), static
// price, non-zero signer unless this is the intermediary's own order, and
// NumItems == 1.
func (o *Order) Validate(allowedComplications map[Address]struct{}) error {
	if o.IsMatchExecutorOrder() {
		// Intermediary orders are constructed internally by the match
		// executor, not admitted from the event stream; nothing further
		// to validate here beyond the shape already being well-formed.
		return nil
	}
	if o.Signer.IsZero() {
		return errors.Join(ErrInvalidOrder, errors.New("signer is zero address"))
	}
	if o.NumItems != 1 {
		return errors.Join(ErrInvalidOrder, errors.New("numItems must be 1"))
	}
	if o.StartPriceWei == nil || o.EndPriceWei == nil || o.StartPriceWei.Cmp(o.EndPriceWei) != 0 {
		return errors.Join(ErrInvalidOrder, errors.New("dynamic pricing is not supported"))
	}
	if _, ok := allowedComplications[o.Complication]; !ok {
		return errors.Join(ErrInvalidOrder, errors.New("complication not in allow-set"))
	}
	switch o.Source {
	case SourceNative, SourceSeaport10, SourceSeaport14, SourceSeaport15:
	default:
		return errors.Join(ErrInvalidOrder, errors.New("unsupported order source"))
	}
	return nil
}
