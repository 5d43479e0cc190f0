// Package chainstate implements engine.ChainStateLoader: the generic
// ERC-721/WETH/ETH reads the simulator state load (C9 step 7) needs, pinned
// to a fixed block number for a consistent snapshot across the whole batch.
//
// Grounded on the teacher's web3-wallet-backend/internal/smartcontract
// service's minimal inline ABI + abi.Pack/Unpack pattern, reused here rather
// than pulling in full generated contract bindings for three view functions.
package chainstate

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/DimaJoyti/go-coffee/internal/chain"
	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

const erc721ABIJSON = `[
  {"name":"ownerOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

const erc20ABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// Loader reads live on-chain state through the shared rate-limited chain
// client, implementing engine.ChainStateLoader against one configured WETH
// contract address (spec.md §3: one wrapped-native currency per chain).
type Loader struct {
	chain       *chain.Client
	wethAddress common.Address
	erc721ABI   abi.ABI
	erc20ABI    abi.ABI
}

// New parses both minimal ABIs and binds them to chainClient and wethAddress.
func New(chainClient *chain.Client, wethAddress common.Address) (*Loader, error) {
	erc721ABI, err := abi.JSON(strings.NewReader(erc721ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chainstate: parse erc721 abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chainstate: parse erc20 abi: %w", err)
	}
	return &Loader{chain: chainClient, wethAddress: wethAddress, erc721ABI: erc721ABI, erc20ABI: erc20ABI}, nil
}

func blockArg(atBlock uint64) *big.Int {
	if atBlock == 0 {
		return nil
	}
	return new(big.Int).SetUint64(atBlock)
}

// ERC721Owner reads ownerOf(tokenId) on collection at atBlock.
func (l *Loader) ERC721Owner(ctx context.Context, collection domain.Address, tokenID string, atBlock uint64) (domain.Address, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", fmt.Errorf("chainstate: invalid token id %q", tokenID)
	}
	data, err := l.erc721ABI.Pack("ownerOf", id)
	if err != nil {
		return "", fmt.Errorf("chainstate: pack ownerOf: %w", err)
	}
	addr := common.HexToAddress(string(collection))
	out, err := l.chain.CallContractAt(ctx, ethereum.CallMsg{To: &addr, Data: data}, blockArg(atBlock))
	if err != nil {
		return "", fmt.Errorf("chainstate: call ownerOf: %w", err)
	}
	result, err := l.erc721ABI.Unpack("ownerOf", out)
	if err != nil {
		return "", fmt.Errorf("chainstate: unpack ownerOf: %w", err)
	}
	return domain.Address(result[0].(common.Address).Hex()), nil
}

// WETHBalance reads balanceOf(account) on the configured WETH contract.
func (l *Loader) WETHBalance(ctx context.Context, account domain.Address, atBlock uint64) (*big.Int, error) {
	data, err := l.erc20ABI.Pack("balanceOf", common.HexToAddress(string(account)))
	if err != nil {
		return nil, fmt.Errorf("chainstate: pack balanceOf: %w", err)
	}
	out, err := l.chain.CallContractAt(ctx, ethereum.CallMsg{To: &l.wethAddress, Data: data}, blockArg(atBlock))
	if err != nil {
		return nil, fmt.Errorf("chainstate: call balanceOf: %w", err)
	}
	result, err := l.erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("chainstate: unpack balanceOf: %w", err)
	}
	return result[0].(*big.Int), nil
}

// WETHAllowance reads allowance(owner, spender) on the configured WETH
// contract.
func (l *Loader) WETHAllowance(ctx context.Context, owner, spender domain.Address, atBlock uint64) (*big.Int, error) {
	data, err := l.erc20ABI.Pack("allowance", common.HexToAddress(string(owner)), common.HexToAddress(string(spender)))
	if err != nil {
		return nil, fmt.Errorf("chainstate: pack allowance: %w", err)
	}
	out, err := l.chain.CallContractAt(ctx, ethereum.CallMsg{To: &l.wethAddress, Data: data}, blockArg(atBlock))
	if err != nil {
		return nil, fmt.Errorf("chainstate: call allowance: %w", err)
	}
	result, err := l.erc20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("chainstate: unpack allowance: %w", err)
	}
	return result[0].(*big.Int), nil
}

// ETHBalance reads the native ETH balance of account at atBlock.
func (l *Loader) ETHBalance(ctx context.Context, account domain.Address, atBlock uint64) (*big.Int, error) {
	return l.chain.BalanceAt(ctx, common.HexToAddress(string(account)), blockArg(atBlock))
}
