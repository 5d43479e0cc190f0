// Package scheduler implements the block scheduler (C8): the singleton,
// lease-guarded driver of per-block work, per spec.md §4.8.
//
// Grounded on the teacher's crypto-terminal/internal/hft/feeds/service.go
// (reconnecting WebSocket subscription plus a polling fallback, deduplicated
// by a seen-set) and crypto-wallet/internal/blockchain/rpc/node_manager.go's
// background watchdog-goroutine style.
package scheduler

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/DimaJoyti/go-coffee/internal/chain"
	"github.com/DimaJoyti/go-coffee/internal/lease"
	"github.com/DimaJoyti/go-coffee/pkg/logger"
)

const (
	pollInterval      = 3 * time.Second
	watchdogInterval  = 60 * time.Second
	staleBlockWindow  = 5 * time.Minute
	secondsPerBlock   = 13
	baseFeeCapNumer   = 1125
	baseFeeCapDenom   = 1000
)

// Block is the header projection carried on every scheduler job.
type Block struct {
	Number        uint64
	Timestamp     time.Time
	BaseFeePerGas *big.Int
}

// Job is fanned out to every registered processor on each new block.
type Job struct {
	ChainID      int64
	Current      Block
	Target       Block
	ReceivedAt   time.Time
}

// JobID is chainId:blockNumber. The scheduler's own deduplication of double
// delivery is keyed on the block number in handleBlockNumber.
func (j Job) JobID() string {
	return fmt.Sprintf("%d:%d", j.ChainID, j.Current.Number)
}

// Processor consumes scheduler jobs; the execution engine (C9) is the sole
// registered processor in this system, but the interface allows more than
// one.
type Processor interface {
	Process(ctx context.Context, job Job)
}

// Scheduler drives Processor.Process on every new block.
type Scheduler struct {
	chain       *chain.Client
	leases      *lease.Manager
	log         *logger.Logger
	chainID     int64
	blockOffset uint64

	mu         sync.Mutex
	processors []Processor
	seen       map[uint64]struct{}
}

// New builds a Scheduler.
func New(chainClient *chain.Client, leases *lease.Manager, log *logger.Logger, chainID int64, blockOffset uint64) *Scheduler {
	return &Scheduler{
		chain:       chainClient,
		leases:      leases,
		log:         log.Named("block-scheduler"),
		chainID:     chainID,
		blockOffset: blockOffset,
		seen:        make(map[uint64]struct{}),
	}
}

// Register adds a processor that receives every future job.
func (s *Scheduler) Register(p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors = append(s.processors, p)
}

// Run drives the scheduler until ctx is cancelled. It self-renews a
// watchdog every 60s so that if the lease-holding goroutine dies silently,
// a fresh run attempt starts, per spec.md §4.8.
func (s *Scheduler) Run(ctx context.Context, leaseTTL time.Duration) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	s.runOnce(ctx, leaseTTL)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, leaseTTL)
		}
	}
}

// runOnce attempts to acquire the block-scheduler lease and, if acquired,
// drives block detection until the lease is lost or ctx is cancelled.
func (s *Scheduler) runOnce(ctx context.Context, leaseTTL time.Duration) {
	key := lease.BlockSchedulerKey(s.chainID)
	l, err := s.leases.Acquire(ctx, key, leaseTTL)
	if err != nil {
		s.log.Debug("block-scheduler lease not acquired", "error", err)
		return
	}
	defer l.Release(context.Background())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	blockNumbers := make(chan uint64, 16)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.subscribeHeads(runCtx, blockNumbers)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pollHeads(runCtx, blockNumbers)
	}()

	go func() {
		select {
		case <-l.Done():
			s.log.Warn("block-scheduler lease lost, cancelling subscriptions")
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			wg.Wait()
			return
		case number := <-blockNumbers:
			s.handleBlockNumber(runCtx, number)
		}
	}
}

// subscribeHeads is the primary next-block source: a reconnecting
// subscription to newHeads, per spec.md §4.8.
func (s *Scheduler) subscribeHeads(ctx context.Context, out chan<- uint64) {
	if !s.chain.HasSubscriptions() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		headers := make(chan *types.Header, 16)
		sub, err := s.chain.SubscribeNewHead(ctx, headers)
		if err != nil {
			s.log.Warn("newHeads subscription failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}

		func() {
			defer sub.Unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-sub.Err():
					s.log.Warn("newHeads subscription dropped, reconnecting", "error", err)
					return
				case h := <-headers:
					select {
					case out <- h.Number.Uint64():
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
}

// pollHeads is the 3s backup poll, per spec.md §4.8. It reads the latest
// header (LatestHeader) rather than calling eth_blockNumber.
func (s *Scheduler) pollHeads(ctx context.Context, out chan<- uint64) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			header, err := s.chain.LatestHeader(ctx)
			if err != nil {
				s.log.Warn("poll latest header failed", "error", err)
				continue
			}
			select {
			case out <- header.Number.Uint64():
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleBlockNumber deduplicates number, loads its header once, projects
// the target block's fees, and fans the job out, per spec.md §4.8.
func (s *Scheduler) handleBlockNumber(ctx context.Context, number uint64) {
	s.mu.Lock()
	if _, dup := s.seen[number]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[number] = struct{}{}
	// Bound the dedup set so it doesn't grow without limit across a
	// long-running process.
	if len(s.seen) > 4096 {
		for k := range s.seen {
			delete(s.seen, k)
			if len(s.seen) <= 2048 {
				break
			}
		}
	}
	s.mu.Unlock()

	header, err := s.chain.LatestHeader(ctx)
	if err != nil {
		s.log.Error("fetch header failed", "block", number, "error", err)
		return
	}

	current := Block{
		Number:        header.Number.Uint64(),
		Timestamp:     time.Unix(int64(header.Time), 0),
		BaseFeePerGas: header.BaseFee,
	}

	if time.Since(current.Timestamp) > staleBlockWindow {
		s.log.Warn("dropping stale block", "block", current.Number, "age", time.Since(current.Timestamp))
		return
	}

	target := Block{
		Number:        current.Number + s.blockOffset,
		Timestamp:     current.Timestamp.Add(time.Duration(s.blockOffset) * secondsPerBlock * time.Second),
		BaseFeePerGas: projectBaseFee(current.BaseFeePerGas, s.blockOffset),
	}

	job := Job{ChainID: s.chainID, Current: current, Target: target, ReceivedAt: time.Now()}

	s.mu.Lock()
	processors := append([]Processor(nil), s.processors...)
	s.mu.Unlock()

	for _, p := range processors {
		go p.Process(ctx, job)
	}
}

// projectBaseFee projects the base fee n blocks ahead using EIP-1559's
// worst-case 1.125x per-block cap, per spec.md §4.8.
func projectBaseFee(current *big.Int, blocks uint64) *big.Int {
	if current == nil {
		return big.NewInt(0)
	}
	projected := new(big.Int).Set(current)
	for i := uint64(0); i < blocks; i++ {
		projected.Mul(projected, big.NewInt(baseFeeCapNumer))
		projected.Div(projected, big.NewInt(baseFeeCapDenom))
	}
	return projected
}
