// Package chaintypes defines the wire-level data model shared by every
// node subsystem: accounts, transactions, blocks, validators and the
// canonical encoding used to hash and sign them.
package chaintypes

import (
	"encoding/hex"
	"fmt"
)

// Address is a 20-byte account/validator identifier.
type Address [20]byte

// AddressZero is the coinbase sender used by reward transactions.
var AddressZero Address

// Bytes returns the address as a byte slice.
func (a Address) Bytes() []byte { return a[:] }

// Hex renders the address as a 0x-prefixed hex string, used for log lines
// and state-store keys.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// Short renders an abbreviated form of the address for log lines.
func (a Address) Short() string {
	full := hex.EncodeToString(a[:])
	if len(full) <= 8 {
		return full
	}
	return fmt.Sprintf("%s..%s", full[:4], full[len(full)-4:])
}

// Hash is a 32-byte digest identifying a transaction or block.
type Hash [32]byte

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// Hex renders the hash as a 0x-prefixed hex string.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash, used by genesis blocks
// for their previous-hash field.
func (h Hash) IsZero() bool { return h == Hash{} }

// TxType classifies a transaction's effect on account/validator state.
type TxType uint8

const (
	// TxTransfer moves value between two accounts.
	TxTransfer TxType = iota + 1
	// TxReward is a coinbase credit issued at block commit.
	TxReward
	// TxStake registers or increases a validator's locked stake.
	TxStake
	// TxUnstake releases a validator's locked stake.
	TxUnstake
)

func (t TxType) String() string {
	switch t {
	case TxTransfer:
		return "transfer"
	case TxReward:
		return "reward"
	case TxStake:
		return "stake"
	case TxUnstake:
		return "unstake"
	default:
		return "unknown"
	}
}

// Transaction is the unit of value transfer and state mutation.
//
// Amount and Fee are integer counts of minor units (1/1e8 of one BT2C
// unit, the satoshi-equivalent named in the specification's glossary).
type Transaction struct {
	Sender    Address
	Recipient Address
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	Timestamp uint64
	Type      TxType
	Signature []byte
}

// txSigningPayload is the subset of Transaction fields covered by the
// signature. The signature field itself is always excluded from the
// signed/hashed digest per the canonical serialization rules.
type txSigningPayload struct {
	Sender    Address
	Recipient Address
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	Timestamp uint64
	Type      TxType
}

func (tx *Transaction) signingPayload() txSigningPayload {
	return txSigningPayload{
		Sender:    tx.Sender,
		Recipient: tx.Recipient,
		Amount:    tx.Amount,
		Fee:       tx.Fee,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		Type:      tx.Type,
	}
}

// IsCoinbase reports whether tx is a reward transaction minted by the
// block proposer rather than submitted by an end user.
func (tx *Transaction) IsCoinbase() bool {
	return tx.Sender == AddressZero
}

// BlockHeader carries every block field except the transaction list and
// the proposer's signature, kept separate so it can be hashed/gossiped
// independently of the (possibly large) transaction bodies.
type BlockHeader struct {
	Height       uint64
	PrevHash     Hash
	Timestamp    uint64
	ProposerAddr Address
}

// Block is an ordered, signed list of transactions committed at a given
// height. For non-genesis blocks, Transactions[0] is the coinbase reward
// transaction.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
	ProposerSig  []byte
}

// blockSigningPayload is the subset of Block fields the proposer signs;
// ProposerSig is naturally excluded since it is the thing being produced.
type blockSigningPayload struct {
	Header BlockHeader
	Txs    []txSigningPayload
}

func (b *Block) signingPayload() blockSigningPayload {
	txs := make([]txSigningPayload, len(b.Transactions))
	for i := range b.Transactions {
		txs[i] = b.Transactions[i].signingPayload()
	}
	return blockSigningPayload{Header: b.Header, Txs: txs}
}

// blockHashPayload mirrors Block with the proposer signature included and
// each transaction reduced to its signing payload (no transaction
// signature), so that two distinct signed blocks with identical contents
// hash differently.
type blockHashPayload struct {
	Header      BlockHeader
	Txs         []txSigningPayload
	ProposerSig []byte
}

// Account is a ledger-tracked balance and nonce.
type Account struct {
	Address Address
	Balance uint64
	Nonce   uint64
}

// ValidatorState enumerates the lifecycle states of a registered
// validator.
type ValidatorState uint8

const (
	ValidatorActive ValidatorState = iota + 1
	ValidatorInactive
	ValidatorJailed
	ValidatorTombstoned
)

func (s ValidatorState) String() string {
	switch s {
	case ValidatorActive:
		return "active"
	case ValidatorInactive:
		return "inactive"
	case ValidatorJailed:
		return "jailed"
	case ValidatorTombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// Validator is a registered participant in the rPoS validator set.
type Validator struct {
	Address                    Address
	PublicKey                  []byte
	Stake                      uint64
	State                      ValidatorState
	Reputation                 float64
	BlocksProduced             uint64
	BlocksMissed               uint64
	JailedUntil                int64
	Tombstoned                 bool
	JoinedDuringDistribution   bool
	DistributionRewardClaimed  bool
	IsFirstValidator           bool
	Moniker                    string
}

// Eligible reports whether v may be drawn as a block proposer: active,
// sufficiently staked, and not jailed.
func (v *Validator) Eligible(minStake uint64) bool {
	return v.State == ValidatorActive && v.Stake >= minStake && !v.Tombstoned
}

// Checkpoint is a signed snapshot supporting fast sync and trusted
// recovery.
type Checkpoint struct {
	Height        uint64
	BlockHash     Hash
	PrevHash      Hash
	CreatedAt     int64
	StateSnapshot []byte
	UTXOSnapshot  []byte
	Signature     []byte
}

// VoteKind distinguishes the two phases of the commit protocol.
type VoteKind uint8

const (
	VotePrevote VoteKind = iota + 1
	VotePrecommit
)

func (k VoteKind) String() string {
	if k == VotePrevote {
		return "prevote"
	}
	return "precommit"
}

// Vote is a single validator's ballot for a given (height, round, kind).
// BlockHash is the zero hash for a nil vote.
type Vote struct {
	Height    uint64
	Round     uint32
	Kind      VoteKind
	BlockHash Hash
	Validator Address
	Signature []byte
}

// voteSigningPayload excludes Signature from the signed digest.
type voteSigningPayload struct {
	Height    uint64
	Round     uint32
	Kind      VoteKind
	BlockHash Hash
	Validator Address
}

// Proposal gossips a candidate block for a given (height, round).
type Proposal struct {
	Height    uint64
	Round     uint32
	Block     Block
	Validator Address
	Signature []byte
}

// MessageKind tags the payload carried by an Envelope.
type MessageKind uint8

const (
	MsgTxGossip MessageKind = iota + 1
	MsgProposal
	MsgVote
	MsgBlockCommit
)

// Envelope is the single wire message type gossiped between nodes. Payload
// is the canonical encoding of the concrete message selected by Kind
// (Transaction, Proposal, Vote or Block respectively); keeping it opaque
// here avoids embedding several mutually-exclusive pointer fields in one
// RLP struct.
type Envelope struct {
	Kind    MessageKind
	Payload []byte
}
