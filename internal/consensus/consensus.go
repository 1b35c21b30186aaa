// Package consensus implements the rPoS round state machine (C7): weighted
// proposer selection, two-phase voting, timeouts, commit orchestration and
// slashing classification.
//
// The engine is a single logical task: every exported method here is meant
// to be invoked from one driving goroutine per the specification's
// single-threaded cooperative scheduling model (§5), the same shape as the
// teacher's SynnergyConsensus (consensus.go), which wires a ledger, network
// adapter and authority set behind small interfaces and drives transitions
// from one loop. The engine works directly on the registry, state machine,
// store and mempool it is given and has no transport dependency: gossip is
// handled by the integration layer (internal/node).
package consensus

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/bt2cerr"
	"github.com/bt2c-network/bt2cd/internal/chainstore"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
	"github.com/bt2c-network/bt2cd/internal/mempool"
	"github.com/bt2c-network/bt2cd/internal/registry"
	"github.com/bt2c-network/bt2cd/internal/statemachine"
)

// Phase enumerates the per-height round states (§4.7 States).
type Phase uint8

const (
	PhaseSyncing Phase = iota
	PhaseWaiting
	PhaseProposing
	PhaseValidating
	PhaseVoting
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseSyncing:
		return "syncing"
	case PhaseWaiting:
		return "waiting"
	case PhaseProposing:
		return "proposing"
	case PhaseValidating:
		return "validating"
	case PhaseVoting:
		return "voting"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// OffenseKind classifies a detected fault into the two penalty tracks
// (§4.7 Slashing).
type OffenseKind uint8

const (
	OffenseSlashable OffenseKind = iota + 1
	OffenseTombstonable
)

// Params configures round timing and penalty magnitudes.
type Params struct {
	Epsilon             float64
	RMax                float64
	ProposalTimeout     time.Duration
	VotingTimeout       time.Duration
	FinalizationTimeout time.Duration
	MaxTxPerBlock       int
	SlashingPenalty     float64
	OffenseClassify     map[string]OffenseKind
}

// DefaultParams returns the specification's defaults.
func DefaultParams() Params {
	return Params{
		Epsilon:             0.01,
		RMax:                100,
		ProposalTimeout:     5 * time.Second,
		VotingTimeout:       5 * time.Second,
		FinalizationTimeout: 10 * time.Second,
		MaxTxPerBlock:       2000,
		SlashingPenalty:     0.10,
		OffenseClassify: map[string]OffenseKind{
			"double_signing": OffenseTombstonable,
			"invalid_block":  OffenseSlashable,
			"unavailability": OffenseSlashable,
		},
	}
}

// EventKind tags an outbound consensus event (§4.7 outbound event surface).
type EventKind string

const (
	EventBlockProposed      EventKind = "block_proposed"
	EventVoteCast           EventKind = "vote_cast"
	EventBlockAccepted      EventKind = "block_accepted"
	EventBlockRejected      EventKind = "block_rejected"
	EventRoundFailed        EventKind = "round_failed"
	EventValidatorJailed    EventKind = "validator_jailed"
	EventValidatorUnjailed  EventKind = "validator_unjailed"
	EventValidatorSlashed   EventKind = "validator_slashed"
	EventValidatorTombstone EventKind = "validator_tombstoned"
	EventRewardIssued       EventKind = "reward_issued"
)

// Event is the single outbound message type the engine emits; the
// integration layer (C8) relays these to metrics and the network.
type Event struct {
	Kind      EventKind
	Height    uint64
	Round     uint32
	Validator chaintypes.Address
	BlockHash chaintypes.Hash
	Amount    uint64
	Err       error
}

// Engine drives the per-height round protocol. It holds references to the
// validator registry (C3), state machine (C4), block store (C5) and
// mempool (C6): the composition the specification calls C7 wiring in
// C3-C6.
type Engine struct {
	reg   *registry.Registry
	st    *statemachine.State
	store *chainstore.Store
	pool  *mempool.Pool

	params Params
	events chan Event
}

// New constructs an Engine. events is the outbound event channel; the
// caller owns its buffering policy. A full channel causes New's emit to
// drop the oldest pending event rather than block (§5 backpressure policy:
// drop-oldest for non-durable event consumers).
func New(reg *registry.Registry, st *statemachine.State, store *chainstore.Store, pool *mempool.Pool, params Params, events chan Event) *Engine {
	return &Engine{reg: reg, st: st, store: store, pool: pool, params: params, events: events}
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		select {
		case <-e.events:
		default:
		}
		select {
		case e.events <- ev:
		default:
		}
	}
}

// Seed derives the deterministic proposer-selection seed for (height,
// round, parentHash) (§4.7 step 1).
func Seed(height uint64, round uint32, parentHash chaintypes.Hash) [32]byte {
	buf := make([]byte, 8+4+32)
	binary.BigEndian.PutUint64(buf[0:8], height)
	binary.BigEndian.PutUint32(buf[8:12], round)
	copy(buf[12:], parentHash[:])
	return bt2ccrypto.Hash(buf)
}

// SelectProposer runs the verifiable weighted draw over the eligible
// validator set (§4.7 step 1). Every validator is weighted
// stake*(epsilon + reputation/R_max); a single deterministic draw over the
// cumulative weight selects the proposer. Two nodes with the same
// registry and seed always select the same validator (invariant 7).
func (e *Engine) SelectProposer(height uint64, round uint32, parentHash chaintypes.Hash) (chaintypes.Address, error) {
	eligible := e.reg.Eligible()
	if len(eligible) == 0 {
		return chaintypes.Address{}, bt2cerr.New(bt2cerr.KindConsensus, bt2cerr.ErrNotEligibleProp, "no eligible validators")
	}

	weights := make([]float64, len(eligible))
	var total float64
	for i, v := range eligible {
		weights[i] = registry.Weight(v, e.params.RMax, e.params.Epsilon)
		total += weights[i]
	}
	if total <= 0 {
		return chaintypes.Address{}, bt2cerr.New(bt2cerr.KindConsensus, bt2cerr.ErrNotEligibleProp, "zero total weight")
	}

	seed := Seed(height, round, parentHash)
	draw := bt2ccrypto.DeterministicDraw(seed[:]) * total

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			return eligible[i].Address, nil
		}
	}
	return eligible[len(eligible)-1].Address, nil
}

// ProposeBlock drains up to MaxTxPerBlock transactions from the mempool in
// priority order, builds a coinbase-first candidate block for (height,
// round) atop parent, signs it with proposerPriv, and emits
// block_proposed (§4.7 step 2).
func (e *Engine) ProposeBlock(proposerPriv *ecdsa.PrivateKey, height uint64, round uint32, parent *chaintypes.Block, nowMs uint64) (*chaintypes.Block, error) {
	proposer := chaintypes.DeriveAddress(proposerPriv)

	reward := e.st.Reward(height)
	picked := e.pool.IterateByPriority(e.params.MaxTxPerBlock)

	txs := make([]chaintypes.Transaction, 0, len(picked)+1)
	var feeTotal uint64
	for _, entry := range picked {
		feeTotal += entry.Tx.Fee
	}
	txs = append(txs, chaintypes.Transaction{Recipient: proposer, Amount: reward + feeTotal, Type: chaintypes.TxReward})
	for _, entry := range picked {
		txs = append(txs, entry.Tx)
	}

	timestamp := nowMs
	if parent != nil && timestamp <= parent.Header.Timestamp {
		timestamp = parent.Header.Timestamp + 1
	}
	prevHash := chaintypes.Hash{}
	if parent != nil {
		prevHash = parent.Hash()
	}

	block := &chaintypes.Block{
		Header: chaintypes.BlockHeader{
			Height:       height,
			PrevHash:     prevHash,
			Timestamp:    timestamp,
			ProposerAddr: proposer,
		},
		Transactions: txs,
	}
	if err := block.Sign(proposerPriv); err != nil {
		return nil, err
	}

	e.emit(Event{Kind: EventBlockProposed, Height: height, Round: round, Validator: proposer, BlockHash: block.Hash()})
	return block, nil
}

// Prevote validates block against a fresh state snapshot and returns the
// validator's signed vote: prevote(hash) if valid, prevote(nil) otherwise
// (§4.7 step 3).
func (e *Engine) Prevote(validatorPriv *ecdsa.PrivateKey, height uint64, round uint32, block *chaintypes.Block) (*chaintypes.Vote, error) {
	hash := chaintypes.Hash{}
	if err := e.st.ValidateBlock(block); err == nil {
		hash = block.Hash()
	}
	vote := &chaintypes.Vote{Height: height, Round: round, Kind: chaintypes.VotePrevote, BlockHash: hash}
	if err := vote.Sign(validatorPriv); err != nil {
		return nil, err
	}
	e.emit(Event{Kind: EventVoteCast, Height: height, Round: round, Validator: vote.Validator, BlockHash: hash})
	return vote, nil
}

// Precommit signs a precommit for prevoteHash, the hash that reached
// quorum in the prevote phase (or the zero hash if none did) (§4.7 step
// 4).
func (e *Engine) Precommit(validatorPriv *ecdsa.PrivateKey, height uint64, round uint32, prevoteHash chaintypes.Hash) (*chaintypes.Vote, error) {
	vote := &chaintypes.Vote{Height: height, Round: round, Kind: chaintypes.VotePrecommit, BlockHash: prevoteHash}
	if err := vote.Sign(validatorPriv); err != nil {
		return nil, err
	}
	e.emit(Event{Kind: EventVoteCast, Height: height, Round: round, Validator: vote.Validator, BlockHash: prevoteHash})
	return vote, nil
}

// QuorumThreshold returns ceil(2/3 * activeCount), the vote count required
// to finalize a phase.
func QuorumThreshold(activeCount int) int {
	return int(math.Ceil(float64(activeCount) * 2.0 / 3.0))
}

// TallyVotes counts distinct-validator votes per hash (ignoring the zero
// "nil vote" hash) and reports the hash reaching quorum, if any (§4.7
// steps 4-5).
func TallyVotes(votes []chaintypes.Vote, activeCount int) (chaintypes.Hash, bool) {
	threshold := QuorumThreshold(activeCount)
	counts := make(map[chaintypes.Hash]map[chaintypes.Address]bool)
	for _, v := range votes {
		if v.BlockHash.IsZero() {
			continue
		}
		if counts[v.BlockHash] == nil {
			counts[v.BlockHash] = make(map[chaintypes.Address]bool)
		}
		counts[v.BlockHash][v.Validator] = true
	}
	for hash, voters := range counts {
		if len(voters) >= threshold {
			return hash, true
		}
	}
	return chaintypes.Hash{}, false
}

// Commit finalizes block: C5 appends it durably, C4 applies it, C3
// records the proposer's success and reputation gain, and C6 evicts the
// now-included transactions (§4.7 step 5). Rewards are credited as part
// of C4's apply_block.
func (e *Engine) Commit(block *chaintypes.Block) error {
	if err := e.store.Append(block); err != nil {
		return err
	}
	result, err := e.st.ApplyBlock(block)
	if err != nil || result != statemachine.Accepted {
		e.emit(Event{Kind: EventBlockRejected, Height: block.Header.Height, BlockHash: block.Hash(), Err: err})
		return err
	}
	if err := e.reg.RecordProduced(block.Header.ProposerAddr); err != nil {
		return err
	}
	e.pool.OnBlockAdded(block.Transactions)

	var rewardAmount uint64
	for _, tx := range block.Transactions {
		if tx.IsCoinbase() {
			rewardAmount = tx.Amount
			break
		}
	}
	e.emit(Event{Kind: EventRewardIssued, Height: block.Header.Height, Validator: block.Header.ProposerAddr, Amount: rewardAmount})
	e.emit(Event{Kind: EventBlockAccepted, Height: block.Header.Height, BlockHash: block.Hash(), Validator: block.Header.ProposerAddr})
	return nil
}

// HandleRoundFailure penalizes proposer for a missed/failed proposal: its
// missed-block counter increments and its reputation decays. If this
// crosses max_missed_blocks the registry auto-jails it, in which case
// validator_jailed is also emitted (§4.7 Round failure / proposer
// timeout).
func (e *Engine) HandleRoundFailure(proposer chaintypes.Address, height uint64, round uint32, nowUnix int64) error {
	before, err := e.reg.Get(proposer)
	if err != nil {
		return err
	}
	if err := e.reg.RecordMissed(proposer, nowUnix); err != nil {
		return err
	}
	e.emit(Event{Kind: EventRoundFailed, Height: height, Round: round, Validator: proposer})

	after, err := e.reg.Get(proposer)
	if err != nil {
		return err
	}
	if before.State != chaintypes.ValidatorJailed && after.State == chaintypes.ValidatorJailed {
		e.emit(Event{Kind: EventValidatorJailed, Height: height, Round: round, Validator: proposer})
	}
	return nil
}

// Slash classifies offense per the configured offense table and applies
// either the slashable penalty (stake reduction + 2x jail) or a permanent
// tombstone (§4.7 Slashing).
func (e *Engine) Slash(addr chaintypes.Address, offense string, height uint64, nowUnix int64) error {
	kind, ok := e.params.OffenseClassify[offense]
	if !ok {
		return bt2cerr.New(bt2cerr.KindConsensus, errors.New("unclassified offense"), offense)
	}
	switch kind {
	case OffenseTombstonable:
		if err := e.reg.Tombstone(addr); err != nil {
			return err
		}
		e.emit(Event{Kind: EventValidatorTombstone, Height: height, Validator: addr})
	case OffenseSlashable:
		deducted, err := e.reg.Slash(addr, e.params.SlashingPenalty, nowUnix)
		if err != nil {
			return err
		}
		e.emit(Event{Kind: EventValidatorSlashed, Height: height, Validator: addr, Amount: deducted})
	}
	return nil
}
