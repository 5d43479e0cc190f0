package api

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

func TestNewOrderView_ConvertsWeiToWholeEtherDecimal(t *testing.T) {
	order := &domain.Order{
		ID:            "0xorder",
		Side:          domain.SideListing,
		Collection:    "0xcollection",
		TokenID:       big.NewInt(42),
		Signer:        "0xsigner",
		StartPriceWei: big.NewInt(2_500_000_000_000_000_000), // 2.5 ETH
		EndPriceWei:   big.NewInt(2_500_000_000_000_000_000),
		Source:        domain.SourceNative,
	}

	view := newOrderView(order, domain.StatusActive)

	assert.Equal(t, "LISTING", view.Side)
	assert.Equal(t, "42", view.TokenID)
	assert.Equal(t, "2500000000000000000", view.PriceWei)
	assert.True(t, decimal.RequireFromString("2.5").Equal(view.PriceEth))
	assert.Equal(t, "active", view.Status)
}

func TestNewMatchView_ArbitrageEthMatchesWeiFigure(t *testing.T) {
	m := &domain.Match{
		Listing:         &domain.Order{ID: "listing"},
		Offer:           &domain.Order{ID: "offer"},
		IsNative:        false,
		MaxGasPriceGwei: big.NewInt(50),
		ArbitrageWei:    big.NewInt(1_000_000_000_000_000_000), // 1 ETH
	}

	view := newMatchView(m)

	assert.Equal(t, "offer:listing", view.MatchID)
	assert.True(t, decimal.RequireFromString("1").Equal(view.ArbitrageEth))
}

func TestHealthzResponse_OverallCatchingUpWhenAnyCollectionIsBehind(t *testing.T) {
	collections := []collectionHealth{
		{Collection: "a", Status: "synced", QueueDepth: 0},
		{Collection: "b", Status: "catching-up", QueueDepth: 10},
	}
	resp := healthzResponse{Status: "synced", Collections: collections}
	for _, c := range resp.Collections {
		if c.Status == "catching-up" {
			resp.Status = "catching-up"
		}
	}
	assert.Equal(t, "catching-up", resp.Status)
}
