package domain

import (
	"math/big"
	"time"
)

// BlockStatus is the outcome of one execution-engine pass over a block.
type BlockStatus string

const (
	BlockPending      BlockStatus = "pending"
	BlockSkipped      BlockStatus = "skipped"
	BlockNotIncluded  BlockStatus = "not-included"
	BlockExecuted     BlockStatus = "executed"
)

// BalanceChange is one account/asset delta observed by the post-composition
// balance-change simulation (spec.md §4.9 step 9).
type BalanceChange struct {
	Account Address
	Asset   Address // zero address == native ETH
	DeltaWei *big.Int
}

// ExecutionBlock is the per-block outcome record, keyed by block number.
type ExecutionBlock struct {
	Number                uint64
	Timestamp             time.Time
	BaseFeePerGas         *big.Int
	MaxFeePerGas          *big.Int
	MaxPriorityFeePerGas  *big.Int
	Status                BlockStatus
	SkipReason            string
	NumExecutableMatches  int
	NumInexecutableMatches int
	BalanceChanges        []BalanceChange
	Timing                time.Duration
	TxHash                string
}

// ExecutionOrderState is the per-order status projection over one block's
// outcome (spec.md §3 ExecutionOrder). Exactly one record exists per order
// per block.
type ExecutionOrderState string

const (
	ExecOrderPending       ExecutionOrderState = "pending"
	ExecOrderInexecutable  ExecutionOrderState = "inexecutable"
	ExecOrderNotIncluded   ExecutionOrderState = "not-included"
	ExecOrderExecuted      ExecutionOrderState = "executed"
)

// ExecutionOrder is the durable/cache projection of one order's fate in one
// block's attempt.
type ExecutionOrder struct {
	OrderID           OrderID
	BlockNumber       uint64
	State             ExecutionOrderState
	InexecutableReason string
	TxHash            string
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Timestamp         time.Time
}

// NonceRecord is the durable, transactionally-mutated allocation record for
// one (chain, match executor, exchange) tuple (spec.md §3, §4.6).
type NonceRecord struct {
	ChainID             uint64
	MatchExecutorAddress Address
	ExchangeAddress     Address
	Nonce               *big.Int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
