package mempool

import (
	"testing"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
)

type fakeState struct {
	nonces map[chaintypes.Address]uint64
}

func (f *fakeState) Account(addr chaintypes.Address) chaintypes.Account {
	return chaintypes.Account{Address: addr, Nonce: f.nonces[addr]}
}

func signedTx(t *testing.T, fee, nonce uint64) (*chaintypes.Transaction, chaintypes.Address) {
	t.Helper()
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 1, Fee: fee, Nonce: nonce, Type: chaintypes.TxTransfer}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tx, tx.Sender
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	tx, _ := signedTx(t, 100, 1)
	if err := p.Admit(tx, 1000); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if err := p.Admit(tx, 1001); err == nil {
		t.Fatal("expected duplicate transaction to be rejected")
	}
}

func TestAdmitRejectsExpiredTransaction(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 1, Fee: 100, Nonce: 1, Timestamp: 1000, Type: chaintypes.TxTransfer}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	nowUnix := int64(1000) + DefaultParams().DefaultTTLSeconds + 1
	if err := p.Admit(tx, nowUnix); err == nil {
		t.Fatal("expected transaction older than the default TTL to be rejected")
	}
}

func TestAdmitRejectsWrongNonce(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	tx, _ := signedTx(t, 100, 0)
	if err := p.Admit(tx, 1000); err == nil {
		t.Fatal("expected out-of-sequence nonce to be rejected")
	}
}

func TestAdmitRBFReplacesOnlyWithSufficientFeeBump(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	mk := func(fee uint64) *chaintypes.Transaction {
		tx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 1, Fee: fee, Nonce: 1, Type: chaintypes.TxTransfer}
		if err := tx.Sign(priv); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return tx
	}
	original := mk(1000)
	if err := p.Admit(original, 1000); err != nil {
		t.Fatalf("Admit original: %v", err)
	}

	lowBump := mk(1001)
	if err := p.Admit(lowBump, 1001); err == nil {
		t.Fatal("expected insufficient fee bump to be rejected")
	}

	highBump := mk(2000)
	if err := p.Admit(highBump, 1002); err != nil {
		t.Fatalf("expected sufficient fee bump to replace: %v", err)
	}
	entry, ok := p.Get(highBump.Hash())
	if !ok {
		t.Fatal("expected replacement transaction to be present")
	}
	if entry.Tx.Fee != 2000 {
		t.Fatalf("expected replacement fee 2000, got %d", entry.Tx.Fee)
	}
	if _, ok := p.Get(original.Hash()); ok {
		t.Fatal("expected original transaction to be evicted by RBF")
	}
}

func TestAdmitFlagsSuspiciousButStillAdmits(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	tx, _ := signedTx(t, 20*100_000_000, 1) // well above SuspiciousHighFee
	if err := p.Admit(tx, 1000); err != nil {
		t.Fatalf("expected suspicious-but-valid tx to be admitted: %v", err)
	}
	entry, ok := p.Get(tx.Hash())
	if !ok {
		t.Fatal("expected suspicious transaction present in pool")
	}
	if !entry.Suspicious {
		t.Fatal("expected transaction to be flagged suspicious")
	}
}

func TestEvictionPreservesDescendantRule(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	mk := func(nonce uint64) *chaintypes.Transaction {
		tx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 1, Fee: 100, Nonce: nonce, Type: chaintypes.TxTransfer}
		if err := tx.Sign(priv); err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return tx
	}
	tx1, sender := mk(1), chaintypes.DeriveAddress(priv)
	tx2 := mk(2)
	if err := p.Admit(tx1, 1000); err != nil {
		t.Fatalf("Admit tx1: %v", err)
	}
	if err := p.Admit(tx2, 1000); err != nil {
		t.Fatalf("Admit tx2: %v", err)
	}

	p.evictLocked(tx1.Hash())

	if _, ok := p.Get(tx1.Hash()); ok {
		t.Fatal("expected tx1 to be evicted")
	}
	if _, ok := p.Get(tx2.Hash()); ok {
		t.Fatal("expected descendant tx2 to also be evicted")
	}
	if len(p.BySender(sender)) != 0 {
		t.Fatal("expected sender index to be empty after descendant eviction")
	}
}

func TestOnBlockAddedMarksSpentAndRemoves(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	tx, _ := signedTx(t, 100, 1)
	if err := p.Admit(tx, 1000); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	p.OnBlockAdded([]chaintypes.Transaction{*tx})
	if _, ok := p.Get(tx.Hash()); ok {
		t.Fatal("expected included transaction to be removed")
	}
	if err := p.Admit(tx, 2000); err == nil {
		t.Fatal("expected re-admission of a spent transaction to be rejected")
	}
}

func TestIterateByPriorityOrdersDescending(t *testing.T) {
	p := New(DefaultParams(), &fakeState{nonces: map[chaintypes.Address]uint64{}})
	low, _ := signedTx(t, 10, 1)
	high, _ := signedTx(t, 10_000, 1)
	if err := p.Admit(low, 1000); err != nil {
		t.Fatalf("Admit low: %v", err)
	}
	if err := p.Admit(high, 1000); err != nil {
		t.Fatalf("Admit high: %v", err)
	}
	ordered := p.IterateByPriority(0)
	if len(ordered) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ordered))
	}
	if ordered[0].Tx.Fee != high.Fee {
		t.Fatalf("expected higher-fee transaction first, got fee %d", ordered[0].Tx.Fee)
	}
}
