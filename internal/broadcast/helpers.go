package broadcast

import (
	"bytes"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func hashFromHex(h string) common.Hash {
	return common.HexToHash(h)
}

func jsonBody(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func receiptFromGeth(r *types.Receipt) *Receipt {
	var effectiveGasPrice string
	if r.EffectiveGasPrice != nil {
		effectiveGasPrice = r.EffectiveGasPrice.String()
	}
	return &Receipt{
		Status:            r.Status,
		TxHash:            r.TxHash.Hex(),
		GasUsed:           r.GasUsed,
		CumulativeGasUsed: r.CumulativeGasUsed,
		EffectiveGasPrice: effectiveGasPrice,
		BlockHash:         r.BlockHash.Hex(),
	}
}
