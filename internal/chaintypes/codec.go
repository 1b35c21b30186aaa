package chaintypes

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
)

// Canonical serialization (C2): field order is fixed by the Go struct
// definitions in types.go, integers are encoded big-endian-minimal by RLP,
// addresses/hashes are encoded as raw bytes, and the signature field is
// excluded from every signed digest. EncodeTx/DecodeTx and
// EncodeBlock/DecodeBlock round-trip the full wire representation
// (signature included) for gossip and storage.

// EncodeTx returns the canonical wire encoding of tx, signature included.
func EncodeTx(tx *Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DecodeTx parses the canonical wire encoding produced by EncodeTx.
func DecodeTx(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Hash returns tx's identifying digest: the double SHA-256 of the
// canonical encoding of every field except Signature.
func (tx *Transaction) Hash() Hash {
	payload := tx.signingPayload()
	enc, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		// signingPayload contains only plain value fields; encoding it
		// can only fail if chaintypes itself is broken.
		panic("chaintypes: tx signing payload did not encode: " + err.Error())
	}
	return Hash(bt2ccrypto.Hash(enc))
}

// Sign signs tx with priv, deriving and setting Sender from the public
// key in the process so a transaction is always self-consistent.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return errors.New("chaintypes: nil private key")
	}
	tx.Sender = DeriveAddress(priv)
	digest := tx.Hash()
	sig, err := bt2ccrypto.Sign(priv, [32]byte(digest))
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifySignature checks that tx carries a valid signature from its
// declared Sender. Coinbase transactions (Sender == AddressZero) are not
// signed and always pass.
func (tx *Transaction) VerifySignature() error {
	if tx.IsCoinbase() {
		return nil
	}
	digest := tx.Hash()
	pub, err := bt2ccrypto.RecoverPublicKey([32]byte(digest), tx.Signature)
	if err != nil {
		return err
	}
	if !bt2ccrypto.Verify(pub, [32]byte(digest), tx.Signature) {
		return errors.New("chaintypes: transaction signature does not verify")
	}
	if bt2ccrypto.DeriveAddress(pub) != tx.Sender {
		return errors.New("chaintypes: transaction signature does not match sender")
	}
	return nil
}

// DeriveAddress returns the address derived from priv's public key.
func DeriveAddress(priv *ecdsa.PrivateKey) Address {
	return Address(bt2ccrypto.DeriveAddress(bt2ccrypto.PublicKeyBytes(priv)))
}

// EncodeBlock returns the canonical wire encoding of b, signature
// included.
func EncodeBlock(b *Block) ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeBlock parses the canonical wire encoding produced by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SigningDigest returns the digest the proposer signs: every block field
// except ProposerSig.
func (b *Block) SigningDigest() Hash {
	payload := b.signingPayload()
	enc, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		panic("chaintypes: block signing payload did not encode: " + err.Error())
	}
	return Hash(bt2ccrypto.Hash(enc))
}

// Hash returns the block's identity digest, computed over the header, each
// transaction's signing payload (transaction signatures are not included)
// and ProposerSig, so that two distinct signed blocks with otherwise
// identical contents hash differently.
func (b *Block) Hash() Hash {
	txs := make([]txSigningPayload, len(b.Transactions))
	for i := range b.Transactions {
		txs[i] = b.Transactions[i].signingPayload()
	}
	payload := blockHashPayload{Header: b.Header, Txs: txs, ProposerSig: b.ProposerSig}
	enc, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		panic("chaintypes: block hash payload did not encode: " + err.Error())
	}
	return Hash(bt2ccrypto.Hash(enc))
}

// Sign signs b's SigningDigest with priv and sets ProposerSig and
// Header.ProposerAddr.
func (b *Block) Sign(priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return errors.New("chaintypes: nil private key")
	}
	b.Header.ProposerAddr = DeriveAddress(priv)
	digest := b.SigningDigest()
	sig, err := bt2ccrypto.Sign(priv, [32]byte(digest))
	if err != nil {
		return err
	}
	b.ProposerSig = sig
	return nil
}

// VerifyProposerSig checks that b carries a valid signature from its
// declared proposer.
func (b *Block) VerifyProposerSig() error {
	digest := b.SigningDigest()
	pub, err := bt2ccrypto.RecoverPublicKey([32]byte(digest), b.ProposerSig)
	if err != nil {
		return err
	}
	if !bt2ccrypto.Verify(pub, [32]byte(digest), b.ProposerSig) {
		return errors.New("chaintypes: block signature does not verify")
	}
	if bt2ccrypto.DeriveAddress(pub) != b.Header.ProposerAddr {
		return errors.New("chaintypes: block signature does not match proposer")
	}
	return nil
}

func (v *Vote) signingPayload() voteSigningPayload {
	return voteSigningPayload{
		Height:    v.Height,
		Round:     v.Round,
		Kind:      v.Kind,
		BlockHash: v.BlockHash,
		Validator: v.Validator,
	}
}

// SigningDigest returns the digest a validator signs to cast v.
func (v *Vote) SigningDigest() Hash {
	payload := v.signingPayload()
	enc, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		panic("chaintypes: vote signing payload did not encode: " + err.Error())
	}
	return Hash(bt2ccrypto.Hash(enc))
}

// Sign signs v with priv and sets Validator and Signature.
func (v *Vote) Sign(priv *ecdsa.PrivateKey) error {
	v.Validator = DeriveAddress(priv)
	digest := v.SigningDigest()
	sig, err := bt2ccrypto.Sign(priv, [32]byte(digest))
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks that v carries a valid signature from its
// declared validator.
func (v *Vote) VerifySignature() error {
	digest := v.SigningDigest()
	pub, err := bt2ccrypto.RecoverPublicKey([32]byte(digest), v.Signature)
	if err != nil {
		return err
	}
	if !bt2ccrypto.Verify(pub, [32]byte(digest), v.Signature) {
		return errors.New("chaintypes: vote signature does not verify")
	}
	if bt2ccrypto.DeriveAddress(pub) != v.Validator {
		return errors.New("chaintypes: vote signature does not match validator")
	}
	return nil
}

// EncodeEnvelope/DecodeEnvelope implement the wire format for the four
// gossip message kinds, all using the same canonical encoding as
// blocks/transactions per the external interfaces section.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return rlp.EncodeToBytes(e)
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := rlp.DecodeBytes(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewTxGossipEnvelope wraps tx for broadcast.
func NewTxGossipEnvelope(tx *Transaction) (*Envelope, error) {
	payload, err := EncodeTx(tx)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: MsgTxGossip, Payload: payload}, nil
}

// AsTransaction decodes e's payload as a Transaction; the caller must have
// checked e.Kind == MsgTxGossip.
func (e *Envelope) AsTransaction() (*Transaction, error) {
	return DecodeTx(e.Payload)
}

// NewProposalEnvelope wraps p for broadcast.
func NewProposalEnvelope(p *Proposal) (*Envelope, error) {
	payload, err := rlp.EncodeToBytes(p)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: MsgProposal, Payload: payload}, nil
}

// AsProposal decodes e's payload as a Proposal; the caller must have
// checked e.Kind == MsgProposal.
func (e *Envelope) AsProposal() (*Proposal, error) {
	var p Proposal
	if err := rlp.DecodeBytes(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// NewVoteEnvelope wraps v for broadcast.
func NewVoteEnvelope(v *Vote) (*Envelope, error) {
	payload, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: MsgVote, Payload: payload}, nil
}

// AsVote decodes e's payload as a Vote; the caller must have checked
// e.Kind == MsgVote.
func (e *Envelope) AsVote() (*Vote, error) {
	var v Vote
	if err := rlp.DecodeBytes(e.Payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// NewBlockCommitEnvelope wraps b for broadcast.
func NewBlockCommitEnvelope(b *Block) (*Envelope, error) {
	payload, err := EncodeBlock(b)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: MsgBlockCommit, Payload: payload}, nil
}

// AsBlock decodes e's payload as a Block; the caller must have checked
// e.Kind == MsgBlockCommit.
func (e *Envelope) AsBlock() (*Block, error) {
	return DecodeBlock(e.Payload)
}
