// Package simulator implements the execution simulator (C4): a pure,
// in-memory state machine that decides whether a match would actually
// settle, without touching the network.
//
// Grounded on the teacher's crypto-terminal/internal/hft/domain/entities
// style (entities with explicit state-transition methods), and on the
// paper-trading mode of _examples/other_examples' polybot executor
// (balance ledgers mutated in memory, snapshot/restore around an attempt).
package simulator

import (
	"math/big"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

// erc721Key identifies one NFT by collection+tokenId.
type erc721Key struct {
	Collection domain.Address
	TokenID    string
}

// noncePair identifies one (account, nonce) consumption.
type noncePair struct {
	Account domain.Address
	Nonce   string
}

// State is the simulator's working model of on-chain balances, ownership,
// and consumption markers, loaded once per block from live chain reads and
// then mutated match-by-match as candidates are tried.
type State struct {
	erc721Owner    map[erc721Key]domain.Address
	wethBalance    map[domain.Address]*big.Int
	wethAllowance  map[[2]domain.Address]*big.Int // [owner, spender]
	ethBalance     map[domain.Address]*big.Int
	consumedOrders map[domain.OrderID]struct{}
	consumedNonces map[noncePair]struct{}

	baseline *snapshot // captured by Baseline(), restored by Reset()
}

// New builds an empty State; callers populate it via the Set* methods
// before the first Simulate call.
func New() *State {
	return &State{
		erc721Owner:    make(map[erc721Key]domain.Address),
		wethBalance:    make(map[domain.Address]*big.Int),
		wethAllowance:  make(map[[2]domain.Address]*big.Int),
		ethBalance:     make(map[domain.Address]*big.Int),
		consumedOrders: make(map[domain.OrderID]struct{}),
		consumedNonces: make(map[noncePair]struct{}),
	}
}

// SetERC721Owner records that tokenID of collection is currently owned by
// owner, as read from the chain at block load time.
func (s *State) SetERC721Owner(collection domain.Address, tokenID string, owner domain.Address) {
	s.erc721Owner[erc721Key{collection, tokenID}] = owner
}

func (s *State) SetWETHBalance(account domain.Address, balance *big.Int) {
	s.wethBalance[account] = new(big.Int).Set(balance)
}

func (s *State) SetWETHAllowance(owner, spender domain.Address, allowance *big.Int) {
	s.wethAllowance[[2]domain.Address{owner, spender}] = new(big.Int).Set(allowance)
}

func (s *State) SetETHBalance(account domain.Address, balance *big.Int) {
	s.ethBalance[account] = new(big.Int).Set(balance)
}

// snapshot is a deep-enough copy of the mutable maps to let Simulate revert
// a failed attempt's partial effects without touching the load-time reads
// of balances that were never modified by it.
type snapshot struct {
	erc721Owner    map[erc721Key]domain.Address
	wethBalance    map[domain.Address]*big.Int
	wethAllowance  map[[2]domain.Address]*big.Int
	ethBalance     map[domain.Address]*big.Int
	consumedOrders map[domain.OrderID]struct{}
	consumedNonces map[noncePair]struct{}
}

func (s *State) snapshot() *snapshot {
	snap := &snapshot{
		erc721Owner:    make(map[erc721Key]domain.Address, len(s.erc721Owner)),
		wethBalance:    make(map[domain.Address]*big.Int, len(s.wethBalance)),
		wethAllowance:  make(map[[2]domain.Address]*big.Int, len(s.wethAllowance)),
		ethBalance:     make(map[domain.Address]*big.Int, len(s.ethBalance)),
		consumedOrders: make(map[domain.OrderID]struct{}, len(s.consumedOrders)),
		consumedNonces: make(map[noncePair]struct{}, len(s.consumedNonces)),
	}
	for k, v := range s.erc721Owner {
		snap.erc721Owner[k] = v
	}
	for k, v := range s.wethBalance {
		snap.wethBalance[k] = new(big.Int).Set(v)
	}
	for k, v := range s.wethAllowance {
		snap.wethAllowance[k] = new(big.Int).Set(v)
	}
	for k, v := range s.ethBalance {
		snap.ethBalance[k] = new(big.Int).Set(v)
	}
	for k := range s.consumedOrders {
		snap.consumedOrders[k] = struct{}{}
	}
	for k := range s.consumedNonces {
		snap.consumedNonces[k] = struct{}{}
	}
	return snap
}

func (s *State) restore(snap *snapshot) {
	s.erc721Owner = snap.erc721Owner
	s.wethBalance = snap.wethBalance
	s.wethAllowance = snap.wethAllowance
	s.ethBalance = snap.ethBalance
	s.consumedOrders = snap.consumedOrders
	s.consumedNonces = snap.consumedNonces
}

// Baseline captures the current state as the point Reset reverts to. The
// execution engine calls this once, immediately after populating State from
// live chain reads at the start of a block.
func (s *State) Baseline() {
	s.baseline = s.snapshot()
}

// Reset reverts State to the snapshot captured by the most recent Baseline
// call, discarding every match applied since, per spec.md §4.4's
// `reset()`. A no-op if Baseline was never called.
func (s *State) Reset() {
	if s.baseline == nil {
		return
	}
	s.restore(s.snapshot0Copy())
}

// snapshot0Copy returns a fresh copy of the baseline so repeated Reset
// calls don't share mutable map state with the stored baseline itself.
func (s *State) snapshot0Copy() *snapshot {
	b := s.baseline
	snap := &snapshot{
		erc721Owner:    make(map[erc721Key]domain.Address, len(b.erc721Owner)),
		wethBalance:    make(map[domain.Address]*big.Int, len(b.wethBalance)),
		wethAllowance:  make(map[[2]domain.Address]*big.Int, len(b.wethAllowance)),
		ethBalance:     make(map[domain.Address]*big.Int, len(b.ethBalance)),
		consumedOrders: make(map[domain.OrderID]struct{}, len(b.consumedOrders)),
		consumedNonces: make(map[noncePair]struct{}, len(b.consumedNonces)),
	}
	for k, v := range b.erc721Owner {
		snap.erc721Owner[k] = v
	}
	for k, v := range b.wethBalance {
		snap.wethBalance[k] = new(big.Int).Set(v)
	}
	for k, v := range b.wethAllowance {
		snap.wethAllowance[k] = new(big.Int).Set(v)
	}
	for k, v := range b.ethBalance {
		snap.ethBalance[k] = new(big.Int).Set(v)
	}
	for k := range b.consumedOrders {
		snap.consumedOrders[k] = struct{}{}
	}
	for k := range b.consumedNonces {
		snap.consumedNonces[k] = struct{}{}
	}
	return snap
}

// Leg is one value transfer applied during simulation: an ERC-721 transfer
// (Amount nil, TokenID set) or an ERC-20/ETH transfer (Amount set, TokenID
// empty).
type Leg struct {
	Currency   domain.Address // zero address == native ETH
	From, To   domain.Address
	Collection domain.Address
	TokenID    string // non-empty for an ERC-721 leg
	Amount     *big.Int
	Operator   domain.Address // the spender checked against allowance, ERC-20 only
}

// MatchExecInfo is everything Simulate needs to apply one match's effects:
// its non-native legs (driven by the external marketplace protocol), its
// native legs (direct exchange settlement), and the order/nonce identities
// it consumes.
type MatchExecInfo struct {
	Match         *domain.Match
	NonNativeLegs []Leg
	NativeLegs    []Leg
	OrderIDs      []domain.OrderID
	NoncePairs    []struct {
		Account domain.Address
		Nonce   *big.Int
	}
}

// Simulate applies matchExecInfo's legs in the order spec.md §4.4 names:
// non-native legs, then native legs, then order consumption, then nonce
// consumption. On any failure the state is rolled back to its pre-call
// snapshot and a *domain.SimulationError naming the first offending
// transfer's reason is returned.
func (s *State) Simulate(info MatchExecInfo) error {
	snap := s.snapshot()

	if err := s.applyLegs(info.NonNativeLegs); err != nil {
		s.restore(snap)
		return err
	}
	if err := s.applyLegs(info.NativeLegs); err != nil {
		s.restore(snap)
		return err
	}
	for _, id := range info.OrderIDs {
		if _, seen := s.consumedOrders[id]; seen {
			s.restore(snap)
			return domain.NewSimulationError(domain.ReasonOrderExecuted)
		}
		s.consumedOrders[id] = struct{}{}
	}
	for _, np := range info.NoncePairs {
		key := noncePair{Account: np.Account, Nonce: np.Nonce.String()}
		if _, seen := s.consumedNonces[key]; seen {
			s.restore(snap)
			return domain.NewSimulationError(domain.ReasonNonceExecuted)
		}
		s.consumedNonces[key] = struct{}{}
	}
	return nil
}

func (s *State) applyLegs(legs []Leg) error {
	for _, leg := range legs {
		if leg.TokenID != "" {
			if err := s.applyERC721(leg); err != nil {
				return err
			}
			continue
		}
		if leg.Currency.IsZero() {
			if err := s.applyETH(leg); err != nil {
				return err
			}
			continue
		}
		if err := s.applyWETH(leg); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) applyERC721(leg Leg) error {
	key := erc721Key{leg.Collection, leg.TokenID}
	owner, known := s.erc721Owner[key]
	if !known || owner != leg.From {
		return domain.NewSimulationError(domain.ReasonInsufficientErc721Balance)
	}
	s.erc721Owner[key] = leg.To
	return nil
}

func (s *State) applyWETH(leg Leg) error {
	balance := s.wethBalance[leg.From]
	if balance == nil || balance.Cmp(leg.Amount) < 0 {
		return domain.NewSimulationError(domain.ReasonInsufficientWethBalance)
	}
	allowance := s.wethAllowance[[2]domain.Address{leg.From, leg.Operator}]
	if allowance == nil || allowance.Cmp(leg.Amount) < 0 {
		return domain.NewSimulationError(domain.ReasonInsufficientWethAllowance)
	}
	s.wethBalance[leg.From] = new(big.Int).Sub(balance, leg.Amount)
	if existing, ok := s.wethBalance[leg.To]; ok {
		s.wethBalance[leg.To] = new(big.Int).Add(existing, leg.Amount)
	} else {
		s.wethBalance[leg.To] = new(big.Int).Set(leg.Amount)
	}
	return nil
}

func (s *State) applyETH(leg Leg) error {
	balance := s.ethBalance[leg.From]
	if balance == nil || balance.Cmp(leg.Amount) < 0 {
		return domain.NewSimulationError(domain.ReasonInsufficientEthBalance)
	}
	s.ethBalance[leg.From] = new(big.Int).Sub(balance, leg.Amount)
	if existing, ok := s.ethBalance[leg.To]; ok {
		s.ethBalance[leg.To] = new(big.Int).Add(existing, leg.Amount)
	} else {
		s.ethBalance[leg.To] = new(big.Int).Set(leg.Amount)
	}
	return nil
}

// ETHBalance returns the simulated ETH balance of account.
func (s *State) ETHBalance(account domain.Address) *big.Int {
	if b, ok := s.ethBalance[account]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}
