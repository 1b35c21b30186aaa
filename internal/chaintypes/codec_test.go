package chaintypes

import (
	"testing"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
)

func TestTransactionRoundTripAndHashStability(t *testing.T) {
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := &Transaction{
		Recipient: Address{1, 2, 3},
		Amount:    500_000_000,
		Fee:       1_000,
		Nonce:     7,
		Timestamp: 1_700_000_000_000,
		Type:      TxTransfer,
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	h1 := tx.Hash()
	encoded, err := EncodeTx(tx)
	if err != nil {
		t.Fatalf("EncodeTx: %v", err)
	}
	decoded, err := DecodeTx(encoded)
	if err != nil {
		t.Fatalf("DecodeTx: %v", err)
	}
	h2 := decoded.Hash()
	if h1 != h2 {
		t.Fatalf("hash not stable under re-encoding: %x != %x", h1, h2)
	}
	if decoded.Sender != tx.Sender || decoded.Amount != tx.Amount || decoded.Nonce != tx.Nonce {
		t.Fatalf("decode did not round-trip fields: %+v vs %+v", decoded, tx)
	}
	if err := decoded.VerifySignature(); err != nil {
		t.Fatalf("decoded transaction failed to verify: %v", err)
	}
}

func TestTransactionHashExcludesSignature(t *testing.T) {
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := &Transaction{Recipient: Address{9}, Amount: 1, Fee: 1, Nonce: 0, Timestamp: 1}
	hBefore := tx.Hash()
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	hAfter := tx.Hash()
	if hBefore != hAfter {
		t.Fatal("signing must not change the transaction hash")
	}
}

func TestBlockHashIncludesSignatureButDigestExcludesIt(t *testing.T) {
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b := &Block{Header: BlockHeader{Height: 1, Timestamp: 1000}}
	digestBefore := b.SigningDigest()
	if err := b.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	digestAfter := b.SigningDigest()
	if digestBefore != digestAfter {
		t.Fatal("signing must not change the signing digest")
	}

	h1 := b.Hash()

	encoded, err := EncodeBlock(b)
	if err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}
	decoded, err := DecodeBlock(encoded)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	h2 := decoded.Hash()
	if h1 != h2 {
		t.Fatalf("block hash unstable under re-encoding: %x != %x", h1, h2)
	}
	if err := decoded.VerifyProposerSig(); err != nil {
		t.Fatalf("decoded block failed signature verification: %v", err)
	}

	// Two distinct signatures over identical contents must hash differently.
	priv2, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b2 := &Block{Header: BlockHeader{Height: 1, Timestamp: 1000}}
	if err := b2.Sign(priv2); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if b2.Hash() == h1 {
		t.Fatal("distinct signed blocks with identical contents must hash differently")
	}
}

func TestVoteSignAndVerify(t *testing.T) {
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v := &Vote{Height: 10, Round: 0, Kind: VotePrevote, BlockHash: Hash{1, 2}}
	if err := v.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := v.VerifySignature(); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	encoded, err := NewVoteEnvelope(v)
	if err != nil {
		t.Fatalf("NewVoteEnvelope: %v", err)
	}
	if encoded.Kind != MsgVote {
		t.Fatalf("unexpected envelope kind: %v", encoded.Kind)
	}
	decoded, err := encoded.AsVote()
	if err != nil {
		t.Fatalf("AsVote: %v", err)
	}
	if decoded.Validator != v.Validator || decoded.BlockHash != v.BlockHash {
		t.Fatal("vote envelope did not round-trip")
	}
}

func TestEnvelopeRoundTripsAllKinds(t *testing.T) {
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := &Transaction{Recipient: Address{1}, Amount: 1, Fee: 1}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	txEnv, err := NewTxGossipEnvelope(tx)
	if err != nil {
		t.Fatalf("NewTxGossipEnvelope: %v", err)
	}
	raw, err := EncodeEnvelope(txEnv)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	decodedEnv, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	decodedTx, err := decodedEnv.AsTransaction()
	if err != nil {
		t.Fatalf("AsTransaction: %v", err)
	}
	if decodedTx.Hash() != tx.Hash() {
		t.Fatal("tx gossip envelope did not round-trip")
	}

	blk := &Block{Header: BlockHeader{Height: 2}}
	if err := blk.Sign(priv); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	blkEnv, err := NewBlockCommitEnvelope(blk)
	if err != nil {
		t.Fatalf("NewBlockCommitEnvelope: %v", err)
	}
	decodedBlk, err := blkEnv.AsBlock()
	if err != nil {
		t.Fatalf("AsBlock: %v", err)
	}
	if decodedBlk.Hash() != blk.Hash() {
		t.Fatal("block commit envelope did not round-trip")
	}
}
