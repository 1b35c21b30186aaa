package node

import (
	"context"
	"fmt"
	"time"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/bt2cerr"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
	"github.com/bt2c-network/bt2cd/internal/consensus"
)

// Run drives the propose/prevote/precommit/commit cycle described in the
// consensus engine's round-phase sequence for as long as ctx is alive,
// mirroring the teacher's startConsensus goroutine (cmd/cli/consensus.go).
// It returns nil when ctx is cancelled and a non-nil error when a
// durability failure (chainstore append) forces the node to halt or when no
// proposer can be selected for a round.
func (n *Node) Run(ctx context.Context) error {
	var unsubs []func()
	if n.net != nil {
		proposalCh, unsubProp := n.net.Subscribe(TopicProposal)
		voteCh, unsubVote := n.net.Subscribe(TopicVote)
		txCh, unsubTx := n.net.Subscribe(TopicTxGossip)
		unsubs = append(unsubs, unsubProp, unsubVote, unsubTx)
		go n.dispatchInbound(ctx, proposalCh, voteCh)
		go n.dispatchTxGossip(ctx, txCh)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		n.relayEvents(ctx)
	}()
	defer func() {
		<-relayDone
		close(n.events)
	}()

	go n.runEvictionLoop(ctx)
	go n.runSyncLoop(ctx)

	var lastBlock *chaintypes.Block
	height := n.State.Height() + 1

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		parentHash := n.State.LastBlockHash()
		round := uint32(0)
		var committed *chaintypes.Block

		for committed == nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			proposer, err := n.Engine.SelectProposer(height, round, parentHash)
			if err != nil {
				return fmt.Errorf("select proposer at height %d round %d: %w", height, round, err)
			}

			block, err := n.obtainBlock(ctx, proposer, lastBlock, height, round)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				n.log.WithError(err).WithField("height", height).WithField("round", round).Warn("no proposal received")
				n.failRound(proposer, height, round)
				round++
				continue
			}

			prevoteHash, ok := n.castPrevote(ctx, block, height, round)
			if ctx.Err() != nil {
				return nil
			}
			if !ok || prevoteHash.IsZero() {
				n.failRound(proposer, height, round)
				round++
				continue
			}

			finalHash, ok := n.castPrecommit(ctx, prevoteHash, height, round)
			if ctx.Err() != nil {
				return nil
			}
			if !ok || finalHash.IsZero() || finalHash != block.Hash() {
				n.failRound(proposer, height, round)
				round++
				continue
			}

			if err := n.Engine.Commit(block); err != nil {
				if bt2cerr.Is(err, bt2cerr.KindStorage, bt2cerr.ErrAppendFailed) {
					return fmt.Errorf("commit block at height %d: %w", height, err)
				}
				n.log.WithError(err).WithField("height", height).Warn("commit rejected")
				n.failRound(proposer, height, round)
				round++
				continue
			}
			committed = block
			n.broadcastBlockCommit(block)
			n.releaseExpiredJails(time.Now().Unix())
			n.maybeCheckpoint(height)
		}

		lastBlock = committed
		height++
	}
}

// obtainBlock returns the block to vote on for (height, round): proposing
// one locally when this node is the selected proposer, otherwise waiting
// on the gossip network for the proposer's broadcast.
func (n *Node) obtainBlock(ctx context.Context, proposer chaintypes.Address, parent *chaintypes.Block, height uint64, round uint32) (*chaintypes.Block, error) {
	if n.isValidator && proposer == n.selfAddr {
		nowMs := uint64(time.Now().UnixMilli())
		block, err := n.Engine.ProposeBlock(n.validatorKey, height, round, parent, nowMs)
		if err != nil {
			return nil, err
		}
		n.broadcastProposal(height, round, block)
		return block, nil
	}
	return n.waitForProposal(ctx, height, round)
}

// SubmitTx admits tx to the local mempool and, when a Network is configured,
// gossips it on TopicTxGossip so other nodes can include it in a future
// block even if it was never submitted to them directly.
func (n *Node) SubmitTx(tx *chaintypes.Transaction) error {
	if err := n.Mempool.Admit(tx, time.Now().Unix()); err != nil {
		return err
	}
	if n.net == nil {
		return nil
	}
	env, err := chaintypes.NewTxGossipEnvelope(tx)
	if err != nil {
		return fmt.Errorf("encode tx gossip envelope: %w", err)
	}
	data, err := chaintypes.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return n.net.Broadcast(TopicTxGossip, data)
}

func (n *Node) waitForProposal(ctx context.Context, height uint64, round uint32) (*chaintypes.Block, error) {
	timer := time.NewTimer(n.proposalTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for proposal")
		case block, ok := <-n.proposalInbox:
			if !ok {
				return nil, fmt.Errorf("proposal channel closed")
			}
			if block.Header.Height == height {
				return block, nil
			}
		}
	}
}

// castPrevote signs and broadcasts this node's prevote (when it holds a
// validator key) and tallies the round's prevotes to a quorum hash.
func (n *Node) castPrevote(ctx context.Context, block *chaintypes.Block, height uint64, round uint32) (chaintypes.Hash, bool) {
	var self *chaintypes.Vote
	if n.isValidator {
		vote, err := n.Engine.Prevote(n.validatorKey, height, round, block)
		if err != nil {
			n.log.WithError(err).Warn("prevote failed")
		} else {
			self = vote
			n.broadcastVote(vote)
		}
	}
	return n.collectVotes(ctx, chaintypes.VotePrevote, height, round, self, n.votingTimeout)
}

// castPrecommit signs and broadcasts this node's precommit for the hash the
// round's prevotes converged on, and tallies the round's precommits.
func (n *Node) castPrecommit(ctx context.Context, prevoteHash chaintypes.Hash, height uint64, round uint32) (chaintypes.Hash, bool) {
	var self *chaintypes.Vote
	if n.isValidator {
		vote, err := n.Engine.Precommit(n.validatorKey, height, round, prevoteHash)
		if err != nil {
			n.log.WithError(err).Warn("precommit failed")
		} else {
			self = vote
			n.broadcastVote(vote)
		}
	}
	return n.collectVotes(ctx, chaintypes.VotePrecommit, height, round, self, n.finalizationTimeout)
}

func (n *Node) collectVotes(ctx context.Context, kind chaintypes.VoteKind, height uint64, round uint32, self *chaintypes.Vote, timeout time.Duration) (chaintypes.Hash, bool) {
	activeCount := len(n.Registry.Eligible())
	votes := make([]chaintypes.Vote, 0, 4)
	if self != nil {
		votes = append(votes, *self)
	}
	if hash, ok := consensus.TallyVotes(votes, activeCount); ok {
		return hash, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return chaintypes.Hash{}, false
		case <-timer.C:
			return chaintypes.Hash{}, false
		case vote, ok := <-n.voteInbox:
			if !ok {
				return chaintypes.Hash{}, false
			}
			if vote.Height != height || vote.Round != round || vote.Kind != kind {
				continue
			}
			votes = append(votes, vote)
			if hash, ok := consensus.TallyVotes(votes, activeCount); ok {
				return hash, true
			}
		}
	}
}

// releaseExpiredJails transitions every Jailed validator whose jail_duration
// has elapsed back to Inactive (§4.3) and emits a validator_unjailed event
// per release. Run once per committed height rather than on a separate
// timer, since height progression is the chain's only shared clock.
func (n *Node) releaseExpiredJails(nowUnix int64) {
	for _, addr := range n.Registry.ReleaseExpiredJails(nowUnix) {
		n.emitEvent(consensus.Event{Kind: consensus.EventValidatorUnjailed, Validator: addr})
	}
}

// emitEvent pushes ev onto the same channel the consensus engine emits to,
// applying the same drop-oldest backpressure policy so a slow or absent
// reader never blocks progress.
func (n *Node) emitEvent(ev consensus.Event) {
	select {
	case n.consensusEvents <- ev:
	default:
		select {
		case <-n.consensusEvents:
		default:
		}
		select {
		case n.consensusEvents <- ev:
		default:
		}
	}
}

// runEvictionLoop runs the mempool's congestion (size-target) eviction pass on its
// own schedule (§5), independent of block production.
func (n *Node) runEvictionLoop(ctx context.Context) {
	ticker := time.NewTicker(n.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Mempool.RunEviction(time.Now().Unix())
		}
	}
}

// runSyncLoop fsyncs the block log on its own schedule (§5), independent of
// the append path.
func (n *Node) runSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(n.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Store.Sync(); err != nil {
				n.log.WithError(err).Warn("store sync failed")
			}
		}
	}
}

// maybeCheckpoint writes a checkpoint when the store's height-based
// schedule (checkpoint_interval) says it's due, snapshotting state and
// signing it with the validator key when this node holds one.
func (n *Node) maybeCheckpoint(height uint64) {
	if !n.Store.ShouldCheckpoint(height) {
		return
	}
	snapshot, err := n.State.MarshalCheckpoint()
	if err != nil {
		n.log.WithError(err).Warn("marshal checkpoint snapshot")
		return
	}
	var sign func([32]byte) ([]byte, error)
	if n.isValidator {
		sign = func(digest [32]byte) ([]byte, error) {
			return bt2ccrypto.Sign(n.validatorKey, digest)
		}
	}
	if _, err := n.Store.Checkpoint(snapshot, nil, sign, time.Now().Unix()); err != nil {
		n.log.WithError(err).WithField("height", height).Warn("checkpoint failed")
	}
}

func (n *Node) failRound(proposer chaintypes.Address, height uint64, round uint32) {
	if err := n.Engine.HandleRoundFailure(proposer, height, round, time.Now().Unix()); err != nil {
		n.log.WithError(err).WithField("height", height).WithField("round", round).Warn("round failure handling error")
	}
}

func (n *Node) broadcastProposal(height uint64, round uint32, block *chaintypes.Block) {
	if n.net == nil {
		return
	}
	prop := &chaintypes.Proposal{Height: height, Round: round, Block: *block, Validator: block.Header.ProposerAddr, Signature: block.ProposerSig}
	env, err := chaintypes.NewProposalEnvelope(prop)
	if err != nil {
		n.log.WithError(err).Warn("encode proposal envelope")
		return
	}
	data, err := chaintypes.EncodeEnvelope(env)
	if err != nil {
		n.log.WithError(err).Warn("encode envelope")
		return
	}
	if err := n.net.Broadcast(TopicProposal, data); err != nil {
		n.log.WithError(err).Warn("broadcast proposal")
	}
}

// broadcastBlockCommit announces a newly-committed block on TopicBlockCommit
// for observers and late-joining peers that replicate state from gossip
// rather than participating in voting.
func (n *Node) broadcastBlockCommit(block *chaintypes.Block) {
	if n.net == nil {
		return
	}
	env, err := chaintypes.NewBlockCommitEnvelope(block)
	if err != nil {
		n.log.WithError(err).Warn("encode block commit envelope")
		return
	}
	data, err := chaintypes.EncodeEnvelope(env)
	if err != nil {
		n.log.WithError(err).Warn("encode envelope")
		return
	}
	if err := n.net.Broadcast(TopicBlockCommit, data); err != nil {
		n.log.WithError(err).Warn("broadcast block commit")
	}
}

func (n *Node) broadcastVote(vote *chaintypes.Vote) {
	if n.net == nil {
		return
	}
	env, err := chaintypes.NewVoteEnvelope(vote)
	if err != nil {
		n.log.WithError(err).Warn("encode vote envelope")
		return
	}
	data, err := chaintypes.EncodeEnvelope(env)
	if err != nil {
		n.log.WithError(err).Warn("encode envelope")
		return
	}
	if err := n.net.Broadcast(TopicVote, data); err != nil {
		n.log.WithError(err).Warn("broadcast vote")
	}
}

// dispatchInbound decodes gossip envelopes from the network's proposal and
// vote subscriptions into the node's internal inboxes, dropping anything
// that fails to decode or does not match the expected envelope kind.
func (n *Node) dispatchInbound(ctx context.Context, proposalCh, voteCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-proposalCh:
			if !ok {
				return
			}
			env, err := chaintypes.DecodeEnvelope(raw)
			if err != nil || env.Kind != chaintypes.MsgProposal {
				continue
			}
			prop, err := env.AsProposal()
			if err != nil {
				continue
			}
			block := prop.Block
			select {
			case n.proposalInbox <- &block:
			default:
			}
		case raw, ok := <-voteCh:
			if !ok {
				return
			}
			env, err := chaintypes.DecodeEnvelope(raw)
			if err != nil || env.Kind != chaintypes.MsgVote {
				continue
			}
			vote, err := env.AsVote()
			if err != nil {
				continue
			}
			select {
			case n.voteInbox <- *vote:
			default:
			}
		}
	}
}

// dispatchTxGossip decodes inbound TopicTxGossip envelopes and admits each
// transaction to the local mempool, letting a transaction submitted to any
// peer propagate to every node that will eventually propose a block.
func (n *Node) dispatchTxGossip(ctx context.Context, txCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-txCh:
			if !ok {
				return
			}
			env, err := chaintypes.DecodeEnvelope(raw)
			if err != nil || env.Kind != chaintypes.MsgTxGossip {
				continue
			}
			tx, err := env.AsTransaction()
			if err != nil {
				continue
			}
			if err := n.Mempool.Admit(tx, time.Now().Unix()); err != nil {
				n.log.WithError(err).Debug("reject gossiped transaction")
			}
		}
	}
}

// relayEvents forwards the consensus engine's outbound events to the
// node's external Events() channel and to Metrics, applying the same
// drop-oldest backpressure policy the engine itself uses internally.
func (n *Node) relayEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.consensusEvents:
			if !ok {
				return
			}
			n.reportMetrics(ev)
			out := fromConsensusEvent(ev)
			select {
			case n.events <- out:
			default:
				select {
				case <-n.events:
				default:
				}
				select {
				case n.events <- out:
				default:
				}
			}
		}
	}
}

func (n *Node) reportMetrics(ev consensus.Event) {
	if n.metrics == nil {
		return
	}
	labels := map[string]string{"kind": string(ev.Kind)}
	n.metrics.IncCounter("consensus_events_total", labels)
	if ev.Amount > 0 {
		n.metrics.ObserveHistogram("consensus_event_amount", float64(ev.Amount), labels)
	}
}
