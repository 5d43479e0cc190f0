package broadcast

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
)

func TestReceiptFromGeth_NormalizesFields(t *testing.T) {
	gethReceipt := &types.Receipt{
		Status:            1,
		TxHash:            common.HexToHash("0xabc"),
		GasUsed:           21_000,
		CumulativeGasUsed: 100_000,
		EffectiveGasPrice: big.NewInt(1_500_000_000),
		BlockHash:         common.HexToHash("0xdef"),
	}

	r := receiptFromGeth(gethReceipt)

	assert.Equal(t, uint64(1), r.Status)
	assert.Equal(t, common.HexToHash("0xabc").Hex(), r.TxHash)
	assert.Equal(t, uint64(21_000), r.GasUsed)
	assert.Equal(t, uint64(100_000), r.CumulativeGasUsed)
	assert.Equal(t, "1500000000", r.EffectiveGasPrice)
	assert.Equal(t, common.HexToHash("0xdef").Hex(), r.BlockHash)
}

func TestReceiptFromGeth_NilEffectiveGasPriceLeavesFieldEmpty(t *testing.T) {
	gethReceipt := &types.Receipt{
		Status: 0,
		TxHash: common.HexToHash("0x1"),
	}

	r := receiptFromGeth(gethReceipt)

	assert.Equal(t, "", r.EffectiveGasPrice)
}
