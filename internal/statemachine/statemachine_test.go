package statemachine

import (
	"testing"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
	"github.com/bt2c-network/bt2cd/internal/registry"
)

func newTestState(t *testing.T) (*State, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.DefaultParams())
	s := New(reg, DefaultMonetaryParams(), DefaultDistributionParams(), 1_700_000_000, nil)
	return s, reg
}

func TestRewardHalvesOnSchedule(t *testing.T) {
	s, _ := newTestState(t)
	initial := s.Reward(0)
	if initial != DefaultMonetaryParams().InitialReward {
		t.Fatalf("expected initial reward %d, got %d", DefaultMonetaryParams().InitialReward, initial)
	}
	halved := s.Reward(210_000)
	if halved != initial/2 {
		t.Fatalf("expected reward to halve at height 210000: got %d want %d", halved, initial/2)
	}
	twiceHalved := s.Reward(420_000)
	if twiceHalved != initial/4 {
		t.Fatalf("expected reward to halve again at height 420000: got %d want %d", twiceHalved, initial/4)
	}
}

func TestRewardFloorsAndNeverGoesToZero(t *testing.T) {
	s, _ := newTestState(t)
	r := s.Reward(210_000 * 40) // many halvings past the point initial>>h hits 0
	if r != s.monetary.FloorReward {
		t.Fatalf("expected floor reward %d, got %d", s.monetary.FloorReward, r)
	}
}

func TestRewardTruncatesAtSupplyCap(t *testing.T) {
	s, _ := newTestState(t)
	s.totalSupply.SetUint64(s.monetary.MaxSupply - 5)
	r := s.Reward(0)
	if r != 5 {
		t.Fatalf("expected reward truncated to remaining headroom 5, got %d", r)
	}
	s.totalSupply.SetUint64(s.monetary.MaxSupply)
	if s.Reward(0) != 0 {
		t.Fatal("expected zero reward once supply cap is reached")
	}
}

func TestApplyTransactionCoinbaseSkipsSignatureAndNonce(t *testing.T) {
	s, _ := newTestState(t)
	tx := &chaintypes.Transaction{Recipient: chaintypes.Address{1}, Amount: 1000, Type: chaintypes.TxReward}
	result, err := s.ApplyTransaction(tx)
	if err != nil {
		t.Fatalf("ApplyTransaction coinbase: %v", err)
	}
	if result != Accepted {
		t.Fatalf("expected coinbase to be accepted, got %v", result)
	}
	if s.Account(tx.Recipient).Balance != 1000 {
		t.Fatalf("expected recipient credited 1000, got %d", s.Account(tx.Recipient).Balance)
	}
}

func TestApplyTransactionRejectsBadNonceAndInsufficientBalance(t *testing.T) {
	s, _ := newTestState(t)
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sender := chaintypes.DeriveAddress(priv)
	s.accounts[sender] = &chaintypes.Account{Address: sender, Balance: 100, Nonce: 0}

	tx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 10, Fee: 1, Nonce: 5, Type: chaintypes.TxTransfer}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s.ApplyTransaction(tx); err == nil {
		t.Fatal("expected bad nonce to be rejected")
	}

	tx2 := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 1000, Fee: 1, Nonce: 1, Type: chaintypes.TxTransfer}
	if err := tx2.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := s.ApplyTransaction(tx2); err == nil {
		t.Fatal("expected insufficient balance to be rejected")
	}

	tx3 := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 50, Fee: 1, Nonce: 1, Type: chaintypes.TxTransfer}
	if err := tx3.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	result, err := s.ApplyTransaction(tx3)
	if err != nil {
		t.Fatalf("ApplyTransaction valid transfer: %v", err)
	}
	if result != Accepted {
		t.Fatalf("expected valid transfer to be accepted")
	}
	if s.Account(sender).Balance != 49 {
		t.Fatalf("expected sender balance 49 after transfer+fee, got %d", s.Account(sender).Balance)
	}
	if s.Account(sender).Nonce != 1 {
		t.Fatalf("expected sender nonce advanced to 1, got %d", s.Account(sender).Nonce)
	}
}

func TestApplyBlockRollsBackOnRejection(t *testing.T) {
	s, _ := newTestState(t)
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	proposer := chaintypes.DeriveAddress(priv)

	badSender, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	badTx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 1_000_000, Fee: 1, Nonce: 1, Type: chaintypes.TxTransfer}
	if err := badTx.Sign(badSender); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	coinbase := chaintypes.Transaction{Recipient: proposer, Type: chaintypes.TxReward}
	block := &chaintypes.Block{
		Header:       chaintypes.BlockHeader{Height: 1, Timestamp: 2000, ProposerAddr: proposer},
		Transactions: []chaintypes.Transaction{coinbase, *badTx},
	}

	heightBefore := s.Height()
	supplyBefore := s.TotalSupply()

	result, err := s.ApplyBlock(block)
	if err == nil {
		t.Fatal("expected block with invalid transaction to be rejected")
	}
	if result != Rejected {
		t.Fatalf("expected Rejected, got %v", result)
	}
	if s.Height() != heightBefore {
		t.Fatalf("height must be unchanged after rollback: got %d want %d", s.Height(), heightBefore)
	}
	if s.TotalSupply().Cmp(supplyBefore) != 0 {
		t.Fatal("total supply must be unchanged after rollback")
	}
}

func TestApplyBlockCreditsRewardAndFees(t *testing.T) {
	s, _ := newTestState(t)
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	proposer := chaintypes.DeriveAddress(priv)

	senderPriv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sender := chaintypes.DeriveAddress(senderPriv)
	s.accounts[sender] = &chaintypes.Account{Address: sender, Balance: 1000, Nonce: 0}

	tx := &chaintypes.Transaction{Recipient: chaintypes.Address{9}, Amount: 100, Fee: 10, Nonce: 1, Type: chaintypes.TxTransfer}
	if err := tx.Sign(senderPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	coinbase := chaintypes.Transaction{Recipient: proposer, Type: chaintypes.TxReward}

	block := &chaintypes.Block{
		Header:       chaintypes.BlockHeader{Height: 1, Timestamp: 2000, ProposerAddr: proposer},
		Transactions: []chaintypes.Transaction{coinbase, *tx},
	}

	result, err := s.ApplyBlock(block)
	if err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if result != Accepted {
		t.Fatalf("expected Accepted, got %v", result)
	}
	wantProposerBalance := DefaultMonetaryParams().InitialReward + 10
	if s.Account(proposer).Balance != wantProposerBalance {
		t.Fatalf("expected proposer balance %d, got %d", wantProposerBalance, s.Account(proposer).Balance)
	}
	if s.Height() != 1 {
		t.Fatalf("expected height 1, got %d", s.Height())
	}
	if s.LastBlockHash() != block.Hash() {
		t.Fatal("expected last block hash to match applied block")
	}
}

func TestDistributionCreditsDeveloperAndEarlyValidatorOnce(t *testing.T) {
	s, reg := newTestState(t)
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	proposer := chaintypes.DeriveAddress(priv)
	if err := reg.Register(proposer, nil, 100_000_000, "dev"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.SetDistributionEligibility(proposer, true, true); err != nil {
		t.Fatalf("SetDistributionEligibility: %v", err)
	}

	coinbase := chaintypes.Transaction{Recipient: proposer, Type: chaintypes.TxReward}
	block := &chaintypes.Block{
		Header:       chaintypes.BlockHeader{Height: 1, Timestamp: uint64((s.genesisUnixTime + 10) * 1000), ProposerAddr: proposer},
		Transactions: []chaintypes.Transaction{coinbase},
	}
	if _, err := s.ApplyBlock(block); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	wantBalance := DefaultMonetaryParams().InitialReward + DefaultDistributionParams().DeveloperReward
	if s.Account(proposer).Balance != wantBalance {
		t.Fatalf("expected developer distribution credit, got balance %d want %d", s.Account(proposer).Balance, wantBalance)
	}

	v, err := reg.Get(proposer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.DistributionRewardClaimed {
		t.Fatal("expected distribution_reward_claimed to be set")
	}
}

func TestDistributionCreditsNonProposingValidator(t *testing.T) {
	s, reg := newTestState(t)
	proposerPriv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	proposer := chaintypes.DeriveAddress(proposerPriv)
	if err := reg.Register(proposer, nil, 100_000_000, "proposer"); err != nil {
		t.Fatalf("Register proposer: %v", err)
	}

	otherPriv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other := chaintypes.DeriveAddress(otherPriv)
	if err := reg.Register(other, nil, 100_000_000, "early-validator"); err != nil {
		t.Fatalf("Register other: %v", err)
	}
	if err := reg.SetDistributionEligibility(other, true, false); err != nil {
		t.Fatalf("SetDistributionEligibility: %v", err)
	}

	coinbase := chaintypes.Transaction{Recipient: proposer, Type: chaintypes.TxReward}
	block := &chaintypes.Block{
		Header:       chaintypes.BlockHeader{Height: 1, Timestamp: uint64((s.genesisUnixTime + 10) * 1000), ProposerAddr: proposer},
		Transactions: []chaintypes.Transaction{coinbase},
	}
	if _, err := s.ApplyBlock(block); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}

	wantOtherBalance := DefaultDistributionParams().EarlyValidatorReward
	if s.Account(other).Balance != wantOtherBalance {
		t.Fatalf("expected non-proposing validator to be credited, got balance %d want %d", s.Account(other).Balance, wantOtherBalance)
	}
	v, err := reg.Get(other)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.DistributionRewardClaimed {
		t.Fatal("expected distribution_reward_claimed to be set for the non-proposing validator")
	}
}
