// Package broadcast implements the broadcaster (C7): the two ways a
// composed transaction actually reaches the chain, selected by
// configuration per spec.md §4.7.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/DimaJoyti/go-coffee/internal/chain"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

// Receipt is the normalized result both broadcaster variants return, per
// spec.md §4.7.
type Receipt struct {
	Status            uint64
	TxHash            string
	GasUsed           uint64
	CumulativeGasUsed uint64
	EffectiveGasPrice string
	BlockHash         string
}

// Broadcaster is implemented by both variants.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *types.Transaction, targetBlockNumber uint64, currentBlockTs, targetBlockTs time.Time) (*Receipt, error)
}

// ForkedNetworkBroadcaster sends through the local JSON-RPC provider and
// waits for one confirmation, used in dev/forked-network mode (spec.md §6
// `enable-forking`).
type ForkedNetworkBroadcaster struct {
	chain *chain.Client
	log   *logger.Logger
}

func NewForkedNetworkBroadcaster(chainClient *chain.Client, log *logger.Logger) *ForkedNetworkBroadcaster {
	return &ForkedNetworkBroadcaster{chain: chainClient, log: log.Named("broadcaster-forked")}
}

func (b *ForkedNetworkBroadcaster) Broadcast(ctx context.Context, tx *types.Transaction, targetBlockNumber uint64, currentBlockTs, targetBlockTs time.Time) (*Receipt, error) {
	if err := b.chain.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("broadcast: forked-network send: %w", err)
	}

	receipt, err := b.waitOneConfirmation(ctx, tx.Hash().Hex())
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (b *ForkedNetworkBroadcaster) waitOneConfirmation(ctx context.Context, txHash string) (*Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			r, err := b.chain.TransactionReceipt(ctx, hashFromHex(txHash))
			if err != nil {
				continue // not yet mined
			}
			return receiptFromGeth(r), nil
		}
	}
}

// PrivateRelayBroadcaster signs and submits a single-transaction bundle to
// a Flashbots-style private relay, per spec.md §4.7.
type PrivateRelayBroadcaster struct {
	relayURL string
	authKey  string
	client   *http.Client
	chain    *chain.Client
	log      *logger.Logger
}

func NewPrivateRelayBroadcaster(relayURL, authKey string, chainClient *chain.Client, log *logger.Logger) *PrivateRelayBroadcaster {
	return &PrivateRelayBroadcaster{
		relayURL: relayURL,
		authKey:  authKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		chain:    chainClient,
		log:      log.Named("broadcaster-private-relay"),
	}
}

type bundleParams struct {
	Txs               []string `json:"txs"`
	BlockNumber       string   `json:"blockNumber"`
	MinTimestamp      int64    `json:"minTimestamp"`
	MaxTimestamp      int64    `json:"maxTimestamp"`
	RevertingTxHashes []string `json:"revertingTxHashes"`
}

// Broadcast simulates the bundle via the relay's simulation endpoint
// (rejecting on a simulation error) then submits it with
// sendRawBundle(signedBundle, targetBlockNumber, {minTimestamp, maxTimestamp,
// revertingTxHashes=[]}), per spec.md §4.7.
func (b *PrivateRelayBroadcaster) Broadcast(ctx context.Context, tx *types.Transaction, targetBlockNumber uint64, currentBlockTs, targetBlockTs time.Time) (*Receipt, error) {
	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("broadcast: marshal tx: %w", err)
	}
	rawHex := fmt.Sprintf("0x%x", rawTx)

	params := bundleParams{
		Txs:               []string{rawHex},
		BlockNumber:       fmt.Sprintf("0x%x", targetBlockNumber),
		MinTimestamp:      currentBlockTs.Unix(),
		MaxTimestamp:      targetBlockTs.Unix() + (targetBlockTs.Unix() - currentBlockTs.Unix()),
		RevertingTxHashes: []string{},
	}

	if err := b.callRelay(ctx, "eth_callBundle", params); err != nil {
		return nil, fmt.Errorf("broadcast: bundle simulation rejected: %w", err)
	}

	if err := b.callRelay(ctx, "eth_sendBundle", params); err != nil {
		return nil, fmt.Errorf("broadcast: send bundle: %w", err)
	}

	receipt, err := b.chain.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		// A missing receipt for a submitted bundle is treated as a
		// not-included broadcast failure, not an error to retry
		// indefinitely: the engine records `not-included` and tries the
		// match again on a later block.
		return &Receipt{Status: 0, TxHash: tx.Hash().Hex()}, nil
	}
	return receiptFromGeth(receipt), nil
}

func (b *PrivateRelayBroadcaster) callRelay(ctx context.Context, method string, params bundleParams) error {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []bundleParams{params},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.relayURL, jsonBody(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flashbots-Signature", b.authKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("relay error: %s", out.Error.Message)
	}
	return nil
}
