package engine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/DimaJoyti/go-coffee/internal/broadcast"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

func nativeCandidate(arbitrageWei int64) *candidate {
	return &candidate{match: &domain.Match{
		Listing:      &domain.Order{ID: "listing", Collection: "0xabc", TokenID: big.NewInt(1)},
		Offer:        &domain.Order{ID: "offer"},
		IsNative:     true,
		ArbitrageWei: big.NewInt(arbitrageWei),
	}}
}

func brokerCandidate(id string, arbitrageWei int64) *candidate {
	return &candidate{match: &domain.Match{
		Listing:      &domain.Order{ID: domain.OrderID(id + "-listing"), Collection: "0xabc", TokenID: big.NewInt(1)},
		Offer:        &domain.Order{ID: domain.OrderID(id + "-offer")},
		IsNative:     false,
		ArbitrageWei: big.NewInt(arbitrageWei),
	}}
}

func TestEstimateGasLimit_ScalesWithCandidateCount(t *testing.T) {
	assert.Equal(t, uint64(21_000), estimateGasLimit(nil))
	assert.Equal(t, uint64(21_000+150_000), estimateGasLimit([]*candidate{nativeCandidate(0)}))
	assert.Equal(t, uint64(21_000+2*150_000), estimateGasLimit([]*candidate{nativeCandidate(0), nativeCandidate(0)}))
}

func TestSimulateBalanceChange_NativeMatchesContributeZero(t *testing.T) {
	e := &Engine{}
	total, culprit := e.simulateBalanceChange([]*candidate{nativeCandidate(100), nativeCandidate(200)})
	assert.Equal(t, big.NewInt(0), total)
	assert.Nil(t, culprit)
}

func TestSimulateBalanceChange_PositiveAggregateNeverQuarantines(t *testing.T) {
	e := &Engine{}
	total, culprit := e.simulateBalanceChange([]*candidate{brokerCandidate("a", 10), brokerCandidate("b", -5)})
	assert.Equal(t, 0, total.Cmp(big.NewInt(5)))
	assert.Nil(t, culprit)
}

func TestSimulateBalanceChange_NegativeAggregateIdentifiesCulprit(t *testing.T) {
	e := &Engine{}
	a := brokerCandidate("a", 10)
	b := brokerCandidate("b", -30)
	c := brokerCandidate("c", 5)
	total, culprit := e.simulateBalanceChange([]*candidate{a, b, c})
	assert.Equal(t, -1, total.Sign())
	if assert.NotNil(t, culprit) {
		assert.Same(t, b, culprit)
	}
}

func TestNftTransferFor_ConvertsCollectionAddress(t *testing.T) {
	const collection = "0x00000000000000000000000000000000000abc"
	m := &domain.Match{Listing: &domain.Order{Collection: collection, TokenID: big.NewInt(7)}}
	transfer := nftTransferFor(m)
	assert.Equal(t, big.NewInt(7), transfer.TokenID)
	assert.Equal(t, common.HexToAddress(collection), transfer.Collection)
}

func TestBlockStatusFor(t *testing.T) {
	assert.Equal(t, domain.BlockExecuted, blockStatusFor(&broadcast.Receipt{Status: 1}))
	assert.Equal(t, domain.BlockNotIncluded, blockStatusFor(&broadcast.Receipt{Status: 0}))
}
