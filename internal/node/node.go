// Package node wires the validator registry, state machine, block store,
// mempool, and consensus engine into a single runnable unit, mirroring the
// teacher's BaseNode/NodeAdapter composition and its initConsensusMiddleware
// lifecycle (core/base_node.go, core/node.go, cmd/cli/consensus.go).
//
// internal/node owns no transport and no metrics backend of its own: it
// depends only on the small Network and Metrics capability contracts below,
// which an embedder (cmd/bt2cd, or any other host process) supplies.
package node

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bt2c-network/bt2cd/internal/chainstore"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
	"github.com/bt2c-network/bt2cd/internal/config"
	"github.com/bt2c-network/bt2cd/internal/consensus"
	"github.com/bt2c-network/bt2cd/internal/mempool"
	"github.com/bt2c-network/bt2cd/internal/registry"
	"github.com/bt2c-network/bt2cd/internal/statemachine"
)

// Network is the transport capability a Node needs: gossip a topic's bytes
// to peers, and subscribe to a topic's inbound byte stream. A concrete P2P
// transport is out of scope here; this mirrors the teacher's
// nodeNetworkAdapter Broadcast/Subscribe pair (core/consensus_network_adapter.go)
// reduced to the two operations the consensus round loop actually needs.
type Network interface {
	Broadcast(topic string, data []byte) error
	Subscribe(topic string) (<-chan []byte, func())
}

// Metrics is the observability capability a Node reports through. A
// concrete metrics backend is out of scope; Node only ever calls these
// three methods when it has something to report.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Gossip topics used for the four envelope kinds.
const (
	TopicTxGossip    = "bt2c/tx"
	TopicProposal    = "bt2c/proposal"
	TopicVote        = "bt2c/vote"
	TopicBlockCommit = "bt2c/block"
)

// Event is the closed external event type relayed to embedders. It mirrors
// consensus.Event so external collaborators never need to import
// internal/consensus directly.
type Event struct {
	Kind      consensus.EventKind
	Height    uint64
	Round     uint32
	Validator chaintypes.Address
	BlockHash chaintypes.Hash
	Amount    uint64
	Err       error
}

func fromConsensusEvent(ev consensus.Event) Event {
	return Event{
		Kind:      ev.Kind,
		Height:    ev.Height,
		Round:     ev.Round,
		Validator: ev.Validator,
		BlockHash: ev.BlockHash,
		Amount:    ev.Amount,
		Err:       ev.Err,
	}
}

// Node owns the full component graph for one validator/observer process.
type Node struct {
	Registry *registry.Registry
	State    *statemachine.State
	Store    *chainstore.Store
	Mempool  *mempool.Pool
	Engine   *consensus.Engine

	net     Network
	metrics Metrics
	log     *logrus.Entry

	validatorKey *ecdsa.PrivateKey
	selfAddr     chaintypes.Address
	isValidator  bool

	proposalTimeout     time.Duration
	votingTimeout       time.Duration
	finalizationTimeout time.Duration
	evictionInterval    time.Duration
	syncInterval        time.Duration

	consensusEvents chan consensus.Event
	events          chan Event

	proposalInbox chan *chaintypes.Block
	voteInbox     chan chaintypes.Vote
}

// Options carries everything New needs beyond what it derives from
// *config.Config: the already-open dependencies a caller wants to supply
// directly (tests), and the optional validator signing key. A nil
// validatorKey means the node runs observer-only: it still replicates
// state from gossip but never proposes or votes.
type Options struct {
	DataDir      string
	ValidatorKey *ecdsa.PrivateKey
	Net          Network
	Metrics      Metrics
	Log          *logrus.Logger
}

// New builds a Node from cfg, opening the block store under
// cfg.Node.DataDir and constructing the registry/state machine/mempool/
// consensus engine with parameters mapped from cfg, falling back to each
// package's own DefaultParams for anything cfg does not cover. This mirrors
// the teacher's initConsensusMiddleware component-construction sequence
// (cmd/cli/consensus.go), minus the teacher's own transport/P2P stack.
func New(cfg *config.Config, opts Options) (*Node, error) {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "node")

	regParams := buildRegistryParams(cfg)
	monetary := buildMonetaryParams(cfg)
	distribution := buildDistributionParams(cfg)
	storeParams, err := buildStoreParams(cfg)
	if err != nil {
		return nil, fmt.Errorf("build store params: %w", err)
	}
	poolParams := buildMempoolParams(cfg)
	consensusParams := buildConsensusParams(cfg)

	reg := registry.New(regParams)
	st := statemachine.New(reg, monetary, distribution, time.Now().Unix(), entry)

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.Node.DataDir
	}
	if dataDir == "" {
		dataDir = "."
	}
	store, err := chainstore.Open(dataDir, storeParams, entry)
	if err != nil {
		return nil, fmt.Errorf("open chainstore: %w", err)
	}

	pool := mempool.New(poolParams, st)

	consensusEvents := make(chan consensus.Event, 256)
	engine := consensus.New(reg, st, store, pool, consensusParams, consensusEvents)

	n := &Node{
		Registry:            reg,
		State:               st,
		Store:               store,
		Mempool:             pool,
		Engine:              engine,
		net:                 opts.Net,
		metrics:             opts.Metrics,
		log:                 entry,
		validatorKey:        opts.ValidatorKey,
		proposalTimeout:     consensusParams.ProposalTimeout,
		votingTimeout:       consensusParams.VotingTimeout,
		finalizationTimeout: consensusParams.FinalizationTimeout,
		evictionInterval:    evictionInterval(cfg),
		syncInterval:        syncInterval(cfg),
		consensusEvents:     consensusEvents,
		events:              make(chan Event, 256),
		proposalInbox:       make(chan *chaintypes.Block, 16),
		voteInbox:           make(chan chaintypes.Vote, 64),
	}
	if opts.ValidatorKey != nil {
		n.isValidator = true
		n.selfAddr = chaintypes.DeriveAddress(opts.ValidatorKey)
	}
	return n, nil
}

// Events returns the channel external collaborators drain for relayed
// consensus activity. Closed when Run returns.
func (n *Node) Events() <-chan Event {
	return n.events
}

func buildRegistryParams(cfg *config.Config) registry.Params {
	p := registry.DefaultParams()
	if cfg.Consensus.MinStake > 0 {
		p.MinStake = cfg.Consensus.MinStake
	}
	if cfg.Consensus.MaxMissedBlocks > 0 {
		p.MaxMissedBlocks = uint64(cfg.Consensus.MaxMissedBlocks)
	}
	if cfg.Consensus.JailDurationS > 0 {
		p.JailDurationS = int64(cfg.Consensus.JailDurationS)
	}
	return p
}

func buildMonetaryParams(cfg *config.Config) statemachine.MonetaryParams {
	p := statemachine.DefaultMonetaryParams()
	if cfg.Monetary.InitialBlockReward > 0 {
		p.InitialReward = cfg.Monetary.InitialBlockReward
	}
	if cfg.Monetary.HalvingInterval > 0 {
		p.HalvingInterval = cfg.Monetary.HalvingInterval
	}
	if cfg.Monetary.MaxSupply > 0 {
		p.MaxSupply = cfg.Monetary.MaxSupply
	}
	return p
}

func buildDistributionParams(cfg *config.Config) statemachine.DistributionParams {
	p := statemachine.DefaultDistributionParams()
	if cfg.Distribution.DeveloperReward > 0 {
		p.DeveloperReward = cfg.Distribution.DeveloperReward
	}
	if cfg.Distribution.EarlyValidatorReward > 0 {
		p.EarlyValidatorReward = cfg.Distribution.EarlyValidatorReward
	}
	if cfg.Distribution.DistributionPeriodS > 0 {
		p.PeriodSeconds = cfg.Distribution.DistributionPeriodS
	}
	return p
}

func buildStoreParams(cfg *config.Config) (chainstore.Params, error) {
	p := chainstore.DefaultParams()
	if cfg.Store.ReorgLimit > 0 {
		p.ReorgLimit = cfg.Store.ReorgLimit
	}
	if cfg.Store.CheckpointInterval > 0 {
		p.CheckpointInterval = cfg.Store.CheckpointInterval
	}
	if cfg.Store.MaxCheckpoints > 0 {
		p.MaxCheckpoints = cfg.Store.MaxCheckpoints
	}
	if cfg.Store.PruneThreshold > 0 {
		p.PruneThreshold = cfg.Store.PruneThreshold
	}
	trusted := map[chaintypes.Hash]bool{}
	for _, hexHash := range cfg.Store.TrustedCheckpoints {
		raw, err := hex.DecodeString(hexHash)
		if err != nil {
			return chainstore.Params{}, fmt.Errorf("decode trusted checkpoint %q: %w", hexHash, err)
		}
		if len(raw) != len(chaintypes.Hash{}) {
			return chainstore.Params{}, fmt.Errorf("trusted checkpoint %q: want %d bytes, got %d", hexHash, len(chaintypes.Hash{}), len(raw))
		}
		var h chaintypes.Hash
		copy(h[:], raw)
		trusted[h] = true
	}
	p.TrustedCheckpoints = trusted
	return p, nil
}

func buildMempoolParams(cfg *config.Config) mempool.Params {
	p := mempool.DefaultParams()
	if cfg.Mempool.MaxBytes > 0 {
		p.MaxBytes = cfg.Mempool.MaxBytes
	}
	if cfg.Mempool.TxMaxAgeS > 0 {
		p.DefaultTTLSeconds = int64(cfg.Mempool.TxMaxAgeS)
	}
	if cfg.Mempool.RBFMultiplier > 0 {
		p.RBFMultiplier = cfg.Mempool.RBFMultiplier
	}
	if cfg.Mempool.CongestionMinFeeRate > 0 {
		p.CongestionMinFeeRate = cfg.Mempool.CongestionMinFeeRate
	}
	if cfg.Mempool.TargetSizePercent > 0 {
		p.TargetSizePercent = cfg.Mempool.TargetSizePercent
	}
	if cfg.Mempool.MinAgeForEvictionS > 0 {
		p.MinAgeForEvictionS = int64(cfg.Mempool.MinAgeForEvictionS)
	}
	return p
}

// evictionInterval is the mempool's background eviction schedule (§5),
// falling back to the package default (30s) when config leaves it unset.
func evictionInterval(cfg *config.Config) time.Duration {
	if cfg.Mempool.EvictionIntervalS > 0 {
		return time.Duration(cfg.Mempool.EvictionIntervalS) * time.Second
	}
	return 30 * time.Second
}

// syncInterval is the chainstore's background fsync schedule (§5),
// falling back to the package default (5s) when config leaves it unset.
func syncInterval(cfg *config.Config) time.Duration {
	if cfg.Store.SyncIntervalMS > 0 {
		return time.Duration(cfg.Store.SyncIntervalMS) * time.Millisecond
	}
	return 5 * time.Second
}

func buildConsensusParams(cfg *config.Config) consensus.Params {
	p := consensus.DefaultParams()
	if cfg.Consensus.ProposalTimeoutMS > 0 {
		p.ProposalTimeout = time.Duration(cfg.Consensus.ProposalTimeoutMS) * time.Millisecond
	}
	if cfg.Consensus.VotingTimeoutMS > 0 {
		p.VotingTimeout = time.Duration(cfg.Consensus.VotingTimeoutMS) * time.Millisecond
	}
	if cfg.Consensus.FinalizationTimeoutMS > 0 {
		p.FinalizationTimeout = time.Duration(cfg.Consensus.FinalizationTimeoutMS) * time.Millisecond
	}
	classify := make(map[string]consensus.OffenseKind, len(p.OffenseClassify))
	for k, v := range p.OffenseClassify {
		classify[k] = v
	}
	for _, offense := range cfg.TombstoningOffenses {
		classify[offense] = consensus.OffenseTombstonable
	}
	p.OffenseClassify = classify
	return p
}
