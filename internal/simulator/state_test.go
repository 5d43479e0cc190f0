package simulator

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

func TestSimulate_NativePairSettles(t *testing.T) {
	seller := domain.Address("0xA")
	buyer := domain.Address("0xB")
	collection := domain.Address("0xCOLLECTION")

	s := New()
	s.SetERC721Owner(collection, "1", seller)
	s.SetWETHBalance(buyer, big.NewInt(2e18))
	s.SetWETHAllowance(buyer, domain.Address("0xEXCHANGE"), big.NewInt(2e18))
	s.Baseline()

	err := s.Simulate(MatchExecInfo{
		NativeLegs: []Leg{
			{Collection: collection, TokenID: "1", From: seller, To: buyer},
			{Currency: domain.Address("0xWETH"), From: buyer, To: seller, Amount: big.NewInt(1e18), Operator: domain.Address("0xEXCHANGE")},
		},
		OrderIDs: []domain.OrderID{"listing-1", "offer-1"},
	})
	require.NoError(t, err)
}

func TestSimulate_InsufficientErc721Balance(t *testing.T) {
	seller := domain.Address("0xA")
	buyer := domain.Address("0xB")
	collection := domain.Address("0xCOLLECTION")

	s := New()
	s.SetERC721Owner(collection, "1", domain.Address("0xSOMEONE_ELSE"))
	s.Baseline()

	err := s.Simulate(MatchExecInfo{
		NativeLegs: []Leg{{Collection: collection, TokenID: "1", From: seller, To: buyer}},
	})
	var simErr *domain.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, domain.ReasonInsufficientErc721Balance, simErr.Reason)
	assert.True(t, simErr.IsTransient)
}

func TestSimulate_FailedAttemptRollsBackPartialEffects(t *testing.T) {
	buyer := domain.Address("0xB")
	seller := domain.Address("0xA")
	otherSeller := domain.Address("0xC")
	collection := domain.Address("0xCOLLECTION")

	s := New()
	s.SetERC721Owner(collection, "1", seller)
	s.SetERC721Owner(collection, "2", otherSeller)
	s.Baseline()

	// First leg succeeds (token 1 transfers), second leg fails (token 2's
	// stated owner doesn't match): the whole attempt must roll back,
	// including the already-applied token-1 transfer.
	err := s.Simulate(MatchExecInfo{
		NativeLegs: []Leg{
			{Collection: collection, TokenID: "1", From: seller, To: buyer},
			{Collection: collection, TokenID: "2", From: seller, To: buyer},
		},
	})
	require.Error(t, err)
	assert.Equal(t, seller, s.erc721Owner[erc721Key{collection, "1"}])
}

func TestSimulate_OrderConsumedTwiceFails(t *testing.T) {
	s := New()
	s.Baseline()

	require.NoError(t, s.Simulate(MatchExecInfo{OrderIDs: []domain.OrderID{"order-1"}}))

	err := s.Simulate(MatchExecInfo{OrderIDs: []domain.OrderID{"order-1"}})
	var simErr *domain.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, domain.ReasonOrderExecuted, simErr.Reason)
}

func TestReset_RevertsToBaseline(t *testing.T) {
	account := domain.Address("0xA")
	s := New()
	s.SetETHBalance(account, big.NewInt(10))
	s.Baseline()

	require.NoError(t, s.Simulate(MatchExecInfo{
		NativeLegs: []Leg{{From: account, To: domain.Address("0xB"), Amount: big.NewInt(5)}},
	}))
	assert.Equal(t, big.NewInt(5).String(), s.ETHBalance(account).String())

	s.Reset()
	assert.Equal(t, big.NewInt(10).String(), s.ETHBalance(account).String())
}
