package domain

import (
	"errors"
	"math/big"
)

// gasBufferUnits is the fixed gas-usage buffer added to a non-native order's
// estimated external-fulfillment gas when computing its tolerated gas price
// (spec.md §4.3, §8 invariant 3).
const gasBufferUnits = 100_000

// weiPerGwei converts wei to gwei.
var weiPerGwei = big.NewInt(1_000_000_000)

// weiToGwei floor-divides a wei amount down to whole gwei.
func weiToGwei(wei *big.Int) *big.Int {
	return new(big.Int).Div(wei, weiPerGwei)
}

// ErrUnsupportedMatchShape is returned when classify is asked to evaluate a
// pairing the system must never silently accept: a native listing paired
// with a non-native offer. The source code this system replaces allows a
// Match to reach the executor in this shape; this port treats it as an
// internal invariant violation instead (spec.md Open Questions).
var ErrUnsupportedMatchShape = errors.New("matching: listing is native but offer is not: unsupported match shape")

// Match is a validated, economically-classified pairing of a listing and an
// offer that could clear against each other.
type Match struct {
	Listing         *Order
	Offer           *Order
	IsNative        bool
	MaxGasPriceGwei *big.Int
	ArbitrageWei    *big.Int
}

// MatchID is offer.ID ":" listing.ID, the canonical key under which a Match
// is stored and deduplicated.
func (m *Match) MatchID() string {
	return string(m.Offer.ID) + ":" + string(m.Listing.ID)
}

// Classify decides whether (listing, offer) is an economically executable
// match and, if so, computes its gas-price tolerance and arbitrage.
//
// Rules (spec.md §4.3):
//   - both native: acceptable iff offer.price >= listing.price; tolerance is
//     the offer's own max gas price; arbitrage is zero.
//   - offer native, listing non-native: arbitrage is offer.price -
//     listing.price; tolerance is min(offer.maxGasPrice, arbitrage /
//     (listing.gasUsage + gas buffer)), converted to gwei.
//   - listing native, offer non-native: unsupported; returns
//     ErrUnsupportedMatchShape. This must never be retried — it represents a
//     condition the classifier itself should never have reached.
func Classify(listing, offer *Order) (*Match, error) {
	if listing.Side != SideListing || offer.Side != SideOffer {
		return nil, errors.New("matching: classify requires one listing and one offer")
	}

	listingNative := listing.Source.IsNative()
	offerNative := offer.Source.IsNative()

	switch {
	case listingNative && offerNative:
		if offer.PriceWei().Cmp(listing.PriceWei()) < 0 {
			return nil, errors.New("matching: offer price below listing price")
		}
		return &Match{
			Listing:         listing,
			Offer:           offer,
			IsNative:        true,
			MaxGasPriceGwei: weiToGwei(offer.MaxGasPriceWei),
			ArbitrageWei:    big.NewInt(0),
		}, nil

	case offerNative && !listingNative:
		arbitrage := new(big.Int).Sub(offer.PriceWei(), listing.PriceWei())
		if arbitrage.Sign() < 0 {
			return nil, errors.New("matching: arbitrage is negative")
		}
		gasCost := new(big.Int).SetUint64(listing.GasUsage + gasBufferUnits)
		var toleranceWeiPerGas *big.Int
		if gasCost.Sign() == 0 {
			toleranceWeiPerGas = new(big.Int)
		} else {
			toleranceWeiPerGas = new(big.Int).Div(arbitrage, gasCost)
		}
		toleranceGwei := weiToGwei(toleranceWeiPerGas)
		offerToleranceGwei := weiToGwei(offer.MaxGasPriceWei)
		if offerToleranceGwei.Cmp(toleranceGwei) < 0 {
			toleranceGwei = offerToleranceGwei
		}
		return &Match{
			Listing:         listing,
			Offer:           offer,
			IsNative:        false,
			MaxGasPriceGwei: toleranceGwei,
			ArbitrageWei:    arbitrage,
		}, nil

	default:
		// listingNative && !offerNative, or neither native (never reached
		// by the matching plans in §4.1, since at least one side must be
		// native for a profitable trade to exist in this system's model).
		return nil, ErrUnsupportedMatchShape
	}
}
