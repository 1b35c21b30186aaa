// Package statemachine implements the deterministic state transition
// function (C4): account balances/nonces, the validator lifecycle (via
// registry.Registry), block reward issuance, and atomic block application.
//
// The apply/rollback shape mirrors the teacher's Ledger.applyBlock
// (ledger.go): mutate in place, and on any failure restore from a snapshot
// taken before the mutation began.
package statemachine

import (
	"encoding/json"
	"errors"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bt2c-network/bt2cd/internal/bt2cerr"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
	"github.com/bt2c-network/bt2cd/internal/registry"
)

// MonetaryParams fixes the fixed-supply reward schedule (§4.4).
type MonetaryParams struct {
	InitialReward   uint64
	HalvingInterval uint64
	FloorReward     uint64
	MaxSupply       uint64
}

// DefaultMonetaryParams returns the specification's defaults: 21 units
// initial reward, halving every 210,000 blocks, 21M unit supply cap, all
// expressed in minor units (1e8 per unit).
func DefaultMonetaryParams() MonetaryParams {
	return MonetaryParams{
		InitialReward:   21 * 100_000_000,
		HalvingInterval: 210_000,
		FloorReward:     1,
		MaxSupply:       21_000_000 * 100_000_000,
	}
}

// DistributionParams configures the bootstrap distribution-period rewards
// (§4.4).
type DistributionParams struct {
	DeveloperReward      uint64
	EarlyValidatorReward uint64
	PeriodSeconds        int64
}

// DefaultDistributionParams returns the specification's defaults: 100
// units for the first (developer) validator, 1 unit for each subsequent
// validator registered within the first 14 days.
func DefaultDistributionParams() DistributionParams {
	return DistributionParams{
		DeveloperReward:      100 * 100_000_000,
		EarlyValidatorReward: 1 * 100_000_000,
		PeriodSeconds:        14 * 24 * 3600,
	}
}

// Result classifies the outcome of apply_transaction/apply_block.
type Result uint8

const (
	Accepted Result = iota
	Rejected
)

// State is the node's account/validator state and chain tip, the
// authoritative target of every committed block.
type State struct {
	mu sync.RWMutex

	accounts map[chaintypes.Address]*chaintypes.Account
	registry *registry.Registry

	currentHeight   uint64
	lastBlockHash   chaintypes.Hash
	totalSupply     *big.Int
	genesisUnixTime int64

	monetary     MonetaryParams
	distribution DistributionParams

	log *logrus.Entry
}

// New constructs an empty state machine rooted at the given genesis time
// (unix seconds), used to bound the distribution period.
func New(reg *registry.Registry, monetary MonetaryParams, distribution DistributionParams, genesisUnixTime int64, log *logrus.Entry) *State {
	return &State{
		accounts:        make(map[chaintypes.Address]*chaintypes.Account),
		registry:        reg,
		totalSupply:     big.NewInt(0),
		genesisUnixTime: genesisUnixTime,
		monetary:        monetary,
		distribution:    distribution,
		log:             log,
	}
}

// Height returns the current chain tip height.
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentHeight
}

// LastBlockHash returns the hash of the most recently applied block.
func (s *State) LastBlockHash() chaintypes.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBlockHash
}

// Account returns a copy of the account at addr, the zero-balance account
// if it has never been credited.
func (s *State) Account(addr chaintypes.Address) chaintypes.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountLocked(addr)
}

func (s *State) accountLocked(addr chaintypes.Address) chaintypes.Account {
	if a, ok := s.accounts[addr]; ok {
		return *a
	}
	return chaintypes.Account{Address: addr}
}

// TotalSupply returns the cumulative minted supply in minor units.
func (s *State) TotalSupply() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.totalSupply)
}

// Reward computes the scheduled block reward at height h, halving every
// HalvingInterval blocks down to FloorReward, truncated so that
// total_supply + reward never exceeds MaxSupply (§4.4).
func (s *State) Reward(h uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rewardLocked(h)
}

func (s *State) rewardLocked(h uint64) uint64 {
	halvings := h / s.monetary.HalvingInterval
	reward := s.monetary.InitialReward
	if halvings < 63 { // avoid shifting a uint64 into undefined territory
		reward = s.monetary.InitialReward >> halvings
	} else {
		reward = 0
	}
	if reward < s.monetary.FloorReward {
		reward = s.monetary.FloorReward
	}
	max := new(big.Int).SetUint64(s.monetary.MaxSupply)
	headroom := new(big.Int).Sub(max, s.totalSupply)
	if headroom.Sign() <= 0 {
		return 0
	}
	rewardBig := new(big.Int).SetUint64(reward)
	if rewardBig.Cmp(headroom) > 0 {
		return headroom.Uint64()
	}
	return reward
}

// ApplyTransaction validates and applies tx in isolation: signature, nonce
// sequencing and balance sufficiency for ordinary transactions; coinbase
// transactions skip signature/nonce checks and only credit the recipient.
func (s *State) ApplyTransaction(tx *chaintypes.Transaction) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyTransactionLocked(tx)
}

func (s *State) applyTransactionLocked(tx *chaintypes.Transaction) (Result, error) {
	if tx.IsCoinbase() {
		recipient := s.accountLocked(tx.Recipient)
		recipient.Balance += tx.Amount
		s.accounts[tx.Recipient] = &recipient
		return Accepted, nil
	}

	if err := tx.VerifySignature(); err != nil {
		return Rejected, bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidSignature, err.Error())
	}
	sender := s.accountLocked(tx.Sender)
	if tx.Nonce != sender.Nonce+1 {
		return Rejected, bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidNonce, tx.Sender.Hex())
	}
	total := tx.Amount + tx.Fee
	if total < tx.Amount || sender.Balance < total {
		return Rejected, bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInsufficientBal, tx.Sender.Hex())
	}

	sender.Balance -= total
	sender.Nonce = tx.Nonce
	s.accounts[tx.Sender] = &sender

	recipient := s.accountLocked(tx.Recipient)
	recipient.Balance += tx.Amount
	s.accounts[tx.Recipient] = &recipient

	if tx.Type == chaintypes.TxStake || tx.Type == chaintypes.TxUnstake {
		if err := s.applyStakeTxLocked(tx); err != nil {
			return Rejected, err
		}
	}

	return Accepted, nil
}

func (s *State) applyStakeTxLocked(tx *chaintypes.Transaction) error {
	v, err := s.registry.Get(tx.Sender)
	if err != nil {
		return bt2cerr.New(bt2cerr.KindValidation, err, "stake transaction from unregistered validator")
	}
	newStake := v.Stake
	switch tx.Type {
	case chaintypes.TxStake:
		newStake += tx.Amount
	case chaintypes.TxUnstake:
		if tx.Amount > newStake {
			return bt2cerr.New(bt2cerr.KindValidation, errors.New("unstake exceeds locked stake"), tx.Sender.Hex())
		}
		newStake -= tx.Amount
	}
	return s.registry.UpdateStake(tx.Sender, newStake)
}

// snapshot is the deep-copy handle returned by createSnapshot.
type snapshot struct {
	accounts      map[chaintypes.Address]chaintypes.Account
	registrySnap  map[chaintypes.Address]chaintypes.Validator
	currentHeight uint64
	lastBlockHash chaintypes.Hash
	totalSupply   *big.Int
}

// createSnapshot deep-copies the account and validator maps plus the tip
// pointer, the basis for atomic block application (§4.4).
func (s *State) createSnapshot() snapshot {
	accounts := make(map[chaintypes.Address]chaintypes.Account, len(s.accounts))
	for addr, a := range s.accounts {
		accounts[addr] = *a
	}
	return snapshot{
		accounts:      accounts,
		registrySnap:  s.registry.Snapshot(),
		currentHeight: s.currentHeight,
		lastBlockHash: s.lastBlockHash,
		totalSupply:   new(big.Int).Set(s.totalSupply),
	}
}

// restoreSnapshot atomically reverts to a previously captured snapshot.
func (s *State) restoreSnapshot(snap snapshot) {
	accounts := make(map[chaintypes.Address]*chaintypes.Account, len(snap.accounts))
	for addr, a := range snap.accounts {
		cp := a
		accounts[addr] = &cp
	}
	s.accounts = accounts
	s.registry.Restore(snap.registrySnap)
	s.currentHeight = snap.currentHeight
	s.lastBlockHash = snap.lastBlockHash
	s.totalSupply = snap.totalSupply
}

// checkpointSnapshot is the JSON projection of state written into a
// chainstore checkpoint's opaque StateSnapshot field (§4.5).
type checkpointSnapshot struct {
	Accounts    []chaintypes.Account   `json:"accounts"`
	Validators  []chaintypes.Validator `json:"validators"`
	Height      uint64                 `json:"height"`
	LastHash    chaintypes.Hash        `json:"last_hash"`
	TotalSupply string                 `json:"total_supply"`
}

// MarshalCheckpoint returns a JSON snapshot of the current account and
// validator state, the value a caller passes as chainstore.Store.
// Checkpoint's stateSnapshot argument.
func (s *State) MarshalCheckpoint() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := checkpointSnapshot{
		Accounts:    make([]chaintypes.Account, 0, len(s.accounts)),
		Validators:  s.registry.All(),
		Height:      s.currentHeight,
		LastHash:    s.lastBlockHash,
		TotalSupply: s.totalSupply.String(),
	}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, *a)
	}
	return json.Marshal(snap)
}

// ApplyBlock validates block against the current tip and applies it
// atomically: a snapshot is taken first, and any rejection during
// application restores it before returning Rejected (§4.4 Atomicity).
func (s *State) ApplyBlock(block *chaintypes.Block) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Header.Height != s.currentHeight+1 && !(s.currentHeight == 0 && s.lastBlockHash.IsZero() && block.Header.Height == 0) {
		return Rejected, bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidHeight, "")
	}
	if block.Header.Height > 0 && block.Header.PrevHash != s.lastBlockHash {
		return Rejected, bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidPrevHash, "")
	}

	snap := s.createSnapshot()

	var feeTotal uint64
	for i, tx := range block.Transactions {
		if i == 0 && tx.IsCoinbase() {
			continue // the coinbase payout is credited after validating fees, below
		}
		if _, err := s.applyTransactionLocked(&tx); err != nil {
			s.restoreSnapshot(snap)
			return Rejected, err
		}
		feeTotal += tx.Fee
	}

	reward := s.rewardLocked(block.Header.Height)
	payout := reward + feeTotal
	if payout > 0 {
		proposer := s.accountLocked(block.Header.ProposerAddr)
		proposer.Balance += payout
		s.accounts[block.Header.ProposerAddr] = &proposer
		s.totalSupply.Add(s.totalSupply, new(big.Int).SetUint64(reward))
	}

	if err := s.creditDistributionLocked(block.Header); err != nil {
		s.restoreSnapshot(snap)
		return Rejected, err
	}

	s.currentHeight = block.Header.Height
	s.lastBlockHash = block.Hash()

	if s.log != nil {
		s.log.WithField("height", block.Header.Height).Debug("block applied")
	}
	return Accepted, nil
}

// ValidateBlock checks block against the current tip and every contained
// transaction using a disposable snapshot, without committing the result.
// Validators call this during the prevote phase (§4.7 step 3) to decide
// whether to broadcast prevote(hash) or prevote(nil).
func (s *State) ValidateBlock(block *chaintypes.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := block.VerifyProposerSig(); err != nil {
		return bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidSignature, err.Error())
	}
	if block.Header.Height != s.currentHeight+1 {
		return bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidHeight, "")
	}
	if block.Header.PrevHash != s.lastBlockHash {
		return bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidPrevHash, "")
	}

	snap := s.createSnapshot()
	defer s.restoreSnapshot(snap)

	for i, tx := range block.Transactions {
		if i == 0 && tx.IsCoinbase() {
			continue
		}
		if _, err := s.applyTransactionLocked(&tx); err != nil {
			return err
		}
	}
	return nil
}

// creditDistributionLocked is the single authoritative path for
// distribution-period reward crediting (§4.4): it consults the registry for
// every validator newly eligible for a one-time bootstrap credit at this
// block's timestamp and credits each exactly once. Eligibility is driven by
// registration (JoinedDuringDistribution), not by which validator proposed
// this block, so a registered validator that never proposes still gets
// credited once the distribution window covers the block it registered in.
func (s *State) creditDistributionLocked(header chaintypes.BlockHeader) error {
	if int64(header.Timestamp/1000)-s.genesisUnixTime > s.distribution.PeriodSeconds {
		return nil
	}
	for _, v := range s.registry.All() {
		if v.DistributionRewardClaimed || !v.JoinedDuringDistribution {
			continue
		}
		amount := s.distribution.EarlyValidatorReward
		if v.IsFirstValidator {
			amount = s.distribution.DeveloperReward
		}
		headroom := new(big.Int).Sub(new(big.Int).SetUint64(s.monetary.MaxSupply), s.totalSupply)
		amountBig := new(big.Int).SetUint64(amount)
		if amountBig.Cmp(headroom) > 0 {
			amount = headroom.Uint64()
		}
		if amount == 0 {
			continue
		}
		acct := s.accountLocked(v.Address)
		acct.Balance += amount
		s.accounts[v.Address] = &acct
		s.totalSupply.Add(s.totalSupply, new(big.Int).SetUint64(amount))
		if err := s.registry.MarkDistributionRewardClaimed(v.Address); err != nil {
			return err
		}
	}
	return nil
}
