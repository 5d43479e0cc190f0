// Package executor implements the match executor (C5): composes the
// native and broker transactions for a block's accepted matches, and signs
// the intermediary's own unsigned "match-executor" order half of a native
// match with EIP-712 typed data.
//
// Grounded on the teacher's
// web3-wallet-backend/internal/smartcontract/service.go (abi.JSON-parsed
// contract bindings, crypto.SignTx / bind.NewKeyedTransactorWithChainID)
// and its walletconnect client's eth_signTypedData_v4 support, generalized
// here to go-ethereum's own signer/core/apitypes EIP-712 encoder.
package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/DimaJoyti/go-coffee/internal/chain"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

// exchangeABI is the minimal ABI surface the execution pipeline calls:
// executeNativeMatches, executeBrokerMatches and the view function the
// nonce provider reads. A real deployment loads this from the exchange's
// published ABI JSON; it is declared inline here since the contract shape
// is fixed for this system (spec.md §4.5).
const exchangeABIJSON = `[
  {"name":"executeNativeMatches","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"matches","type":"tuple[]","components":[
     {"name":"listing","type":"bytes"},{"name":"offer","type":"bytes"}]}]},
  {"name":"executeBrokerMatches","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"batches","type":"tuple[]","components":[
     {"name":"externalFulfillments","type":"tuple[]","components":[
       {"name":"to","type":"address"},{"name":"data","type":"bytes"},{"name":"value","type":"uint256"}]},
     {"name":"nftsToTransfer","type":"tuple[]","components":[
       {"name":"collection","type":"address"},{"name":"tokenId","type":"uint256"}]}]}]},
  {"name":"userMinOrderNonce","type":"function","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// Exchange wraps the parsed exchange-contract ABI and the chain client used
// to pack and read calls against it. It implements nonce.OnChainReader.
type Exchange struct {
	abi           abi.ABI
	chainClient   *chain.Client
	exchangeAddr  common.Address
	log           *logger.Logger
}

// NewExchange parses the exchange ABI and binds it to chainClient.
func NewExchange(chainClient *chain.Client, exchangeAddr common.Address, log *logger.Logger) (*Exchange, error) {
	parsed, err := abi.JSON(strings.NewReader(exchangeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("executor: parse exchange abi: %w", err)
	}
	return &Exchange{abi: parsed, chainClient: chainClient, exchangeAddr: exchangeAddr, log: log.Named("executor")}, nil
}

// Address returns the exchange contract address this binding targets, used
// as the EIP-712 verifying contract when signing the intermediary's own
// order.
func (e *Exchange) Address() common.Address { return e.exchangeAddr }

// UserMinOrderNonce implements nonce.OnChainReader.
func (e *Exchange) UserMinOrderNonce(ctx context.Context, account string) (*big.Int, error) {
	data, err := e.abi.Pack("userMinOrderNonce", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("executor: pack userMinOrderNonce: %w", err)
	}
	out, err := e.chainClient.CallContract(ctx, ethereum.CallMsg{To: &e.exchangeAddr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("executor: call userMinOrderNonce: %w", err)
	}
	result, err := e.abi.Unpack("userMinOrderNonce", out)
	if err != nil {
		return nil, fmt.Errorf("executor: unpack userMinOrderNonce: %w", err)
	}
	return result[0].(*big.Int), nil
}

// NativeMatchOrders is one (listing, offer) pair packed for
// executeNativeMatches.
type NativeMatchOrders struct {
	Listing []byte
	Offer   []byte
}

// ExternalFulfillment is one external marketplace call collected while
// composing a broker transaction.
type ExternalFulfillment struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// NFTTransfer is one NFT leg moved as part of a broker batch.
type NFTTransfer struct {
	Collection common.Address
	TokenID    *big.Int
}

// Batch groups one broker transaction's external calls with the NFTs they
// move, per spec.md §4.5.
type Batch struct {
	ExternalFulfillments []ExternalFulfillment
	NFTsToTransfer       []NFTTransfer
}

// FeeParams carries the EIP-1559 fields filled in from the target block's
// projected fees, per spec.md §4.5/§4.8.
type FeeParams struct {
	ChainID              int64
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ComposeNativeTx builds and signs the executeNativeMatches transaction for
// a list of already-matched (listing, offer) order pairs.
func (e *Exchange) ComposeNativeTx(orders []NativeMatchOrders, fee FeeParams, signer *ecdsa.PrivateKey) (*types.Transaction, error) {
	tuples := make([]struct {
		Listing []byte
		Offer   []byte
	}, len(orders))
	for i, o := range orders {
		tuples[i] = struct {
			Listing []byte
			Offer   []byte
		}{o.Listing, o.Offer}
	}
	data, err := e.abi.Pack("executeNativeMatches", tuples)
	if err != nil {
		return nil, fmt.Errorf("executor: pack executeNativeMatches: %w", err)
	}
	return e.signDynamicFeeTx(data, fee, signer)
}

// ComposeBrokerTx builds and signs the executeBrokerMatches transaction for
// a list of batches, one per executable match, per spec.md §4.5.
func (e *Exchange) ComposeBrokerTx(batches []Batch, fee FeeParams, signer *ecdsa.PrivateKey) (*types.Transaction, error) {
	type fulfillment struct {
		To    common.Address
		Data  []byte
		Value *big.Int
	}
	type transfer struct {
		Collection common.Address
		TokenID    *big.Int
	}
	type batch struct {
		ExternalFulfillments []fulfillment
		NFTsToTransfer       []transfer
	}

	packed := make([]batch, len(batches))
	for i, b := range batches {
		fulfillments := make([]fulfillment, len(b.ExternalFulfillments))
		for j, f := range b.ExternalFulfillments {
			fulfillments[j] = fulfillment{To: f.To, Data: f.Data, Value: f.Value}
		}
		transfers := make([]transfer, len(b.NFTsToTransfer))
		for j, t := range b.NFTsToTransfer {
			transfers[j] = transfer{Collection: t.Collection, TokenID: t.TokenID}
		}
		packed[i] = batch{ExternalFulfillments: fulfillments, NFTsToTransfer: transfers}
	}

	data, err := e.abi.Pack("executeBrokerMatches", packed)
	if err != nil {
		return nil, fmt.Errorf("executor: pack executeBrokerMatches: %w", err)
	}
	return e.signDynamicFeeTx(data, fee, signer)
}

func (e *Exchange) signDynamicFeeTx(data []byte, fee FeeParams, signer *ecdsa.PrivateKey) (*types.Transaction, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(fee.ChainID),
		Nonce:     fee.Nonce,
		GasTipCap: fee.MaxPriorityFeePerGas,
		GasFeeCap: fee.MaxFeePerGas,
		Gas:       fee.GasLimit,
		To:        &e.exchangeAddr,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.NewLondonSigner(big.NewInt(fee.ChainID)), signer)
	if err != nil {
		return nil, fmt.Errorf("executor: sign transaction: %w", err)
	}
	return signed, nil
}

// matchExecutorOrderTypes is the EIP-712 typed-data schema for the
// intermediary's own order half of a native match, per spec.md §4.5.
var matchExecutorOrderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "signer", Type: "address"},
		{Name: "collection", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "currency", Type: "address"},
		{Name: "price", Type: "uint256"},
		{Name: "startTime", Type: "uint256"},
		{Name: "endTime", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "maxGasPrice", Type: "uint256"},
	},
}

// SignIntermediaryOrder builds and EIP-712-signs the unsigned,
// zero-signer side of a native match. Per spec.md §4.5: start/end times are
// [currentBlockTimestamp, targetBlockTimestamp + 120s], price is pinned to
// the counterparty's price, and maxGasPrice is zero (the intermediary never
// itself constrains the gas price of a trade it originates).
func SignIntermediaryOrder(
	counterparty *domain.Order,
	currentBlockTimestamp, targetBlockTimestamp time.Time,
	nonce *big.Int,
	chainID int64,
	verifyingContract common.Address,
	signer *ecdsa.PrivateKey,
) (*domain.Order, error) {
	signerAddr := crypto.PubkeyToAddress(signer.PublicKey)

	order := &domain.Order{
		ID:             domain.OrderID(""), // filled in by the caller once the order hash is known
		Side:           counterparty.Side.Opposite(),
		Signer:         domain.Address(signerAddr.Hex()),
		Currency:       counterparty.Currency,
		Complication:   counterparty.Complication,
		Collection:     counterparty.Collection,
		TokenID:        counterparty.TokenID,
		NumItems:       1,
		StartPriceWei:  counterparty.PriceWei(),
		EndPriceWei:    counterparty.PriceWei(),
		StartTime:      currentBlockTimestamp,
		EndTime:        targetBlockTimestamp.Add(120 * time.Second),
		Nonce:          nonce,
		MaxGasPriceWei: big.NewInt(0),
		Source:         domain.SourceNative,
	}

	typedData := apitypes.TypedData{
		Types:       matchExecutorOrderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "MatchExchange",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
			VerifyingContract: verifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"signer":      signerAddr.Hex(),
			"collection":  string(order.Collection),
			"tokenId":     order.TokenID.String(),
			"currency":    string(order.Currency),
			"price":       order.PriceWei().String(),
			"startTime":   fmt.Sprintf("%d", order.StartTime.Unix()),
			"endTime":     fmt.Sprintf("%d", order.EndTime.Unix()),
			"nonce":       order.Nonce.String(),
			"maxGasPrice": order.MaxGasPriceWei.String(),
		},
	}

	digest, err := typedDataHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("executor: hash typed data: %w", err)
	}

	sig, err := crypto.Sign(digest, signer)
	if err != nil {
		return nil, fmt.Errorf("executor: sign typed data: %w", err)
	}
	order.RawSignedBody = sig
	return order, nil
}

func typedDataHash(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	rawData := fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash))
	return crypto.Keccak256([]byte(rawData)), nil
}
