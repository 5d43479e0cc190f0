package executor

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

func TestSignIntermediaryOrder_FillsOppositeSideAndWindow(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	counterparty := &domain.Order{
		Side:          domain.SideListing,
		Currency:      "0x00000000000000000000000000000000000000c1",
		Collection:    "0x00000000000000000000000000000000000000c2",
		TokenID:       big.NewInt(9),
		StartPriceWei: big.NewInt(1_000),
		EndPriceWei:   big.NewInt(1_000),
	}
	current := time.Unix(1_000_000, 0)
	target := time.Unix(1_000_012, 0)

	order, err := SignIntermediaryOrder(counterparty, current, target, big.NewInt(5), 1, common.HexToAddress("0xexchange"), key)
	require.NoError(t, err)

	assert.Equal(t, domain.SideOffer, order.Side)
	assert.Equal(t, domain.Address(crypto.PubkeyToAddress(key.PublicKey).Hex()), order.Signer)
	assert.Equal(t, big.NewInt(1_000), order.PriceWei())
	assert.Equal(t, current, order.StartTime)
	assert.Equal(t, target.Add(120*time.Second), order.EndTime)
	assert.Equal(t, big.NewInt(0), order.MaxGasPriceWei)
	assert.NotEmpty(t, order.RawSignedBody)
}
