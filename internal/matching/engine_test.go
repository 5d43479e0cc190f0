package matching

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

func matchWithTolerance(t0 time.Time, offerID domain.OrderID, toleranceGwei int64) *domain.Match {
	return &domain.Match{
		Listing:         &domain.Order{ID: "listing"},
		Offer:           &domain.Order{ID: offerID, StartTime: t0},
		MaxGasPriceGwei: big.NewInt(toleranceGwei),
		ArbitrageWei:    big.NewInt(0),
	}
}

func TestSortDeterministic_HighestToleranceFirst(t *testing.T) {
	now := time.Unix(1000, 0)
	a := matchWithTolerance(now, "a", 10)
	b := matchWithTolerance(now, "b", 30)
	c := matchWithTolerance(now, "c", 20)

	matches := []*domain.Match{a, b, c}
	sortDeterministic(matches)

	assert.Equal(t, []domain.OrderID{"b", "c", "a"}, []domain.OrderID{
		matches[0].Offer.ID, matches[1].Offer.ID, matches[2].Offer.ID,
	})
}

func TestSortDeterministic_TiesBreakByOfferStartTimeThenOrderID(t *testing.T) {
	earlier := time.Unix(1000, 0)
	later := time.Unix(2000, 0)

	a := matchWithTolerance(later, "z-offer", 10)
	b := matchWithTolerance(earlier, "a-offer", 10)
	c := matchWithTolerance(earlier, "b-offer", 10)

	matches := []*domain.Match{a, b, c}
	sortDeterministic(matches)

	assert.Equal(t, []domain.OrderID{"a-offer", "b-offer", "z-offer"}, []domain.OrderID{
		matches[0].Offer.ID, matches[1].Offer.ID, matches[2].Offer.ID,
	})
}
