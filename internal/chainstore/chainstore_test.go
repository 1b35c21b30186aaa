package chainstore

import (
	"testing"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
	"github.com/bt2c-network/bt2cd/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	s, err := Open(sb.Root, DefaultParams(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func signedBlock(t *testing.T, height uint64, prev chaintypes.Hash) *chaintypes.Block {
	t.Helper()
	priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b := &chaintypes.Block{Header: chaintypes.BlockHeader{Height: height, PrevHash: prev, Timestamp: 1000 + height}}
	if err := b.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b
}

func TestAppendGetByHeightAndHash(t *testing.T) {
	s := openTestStore(t)
	genesis := signedBlock(t, 0, chaintypes.Hash{})
	if err := s.Append(genesis); err != nil {
		t.Fatalf("Append genesis: %v", err)
	}
	b1 := signedBlock(t, 1, genesis.Hash())
	if err := s.Append(b1); err != nil {
		t.Fatalf("Append b1: %v", err)
	}

	got, err := s.GetByHeight(1)
	if err != nil {
		t.Fatalf("GetByHeight: %v", err)
	}
	if got.Hash() != b1.Hash() {
		t.Fatal("GetByHeight returned a different block")
	}

	got2, err := s.GetByHash(b1.Hash())
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if got2.Header.Height != 1 {
		t.Fatalf("expected height 1, got %d", got2.Header.Height)
	}

	tip, hash := s.Tip()
	if tip != 1 || hash != b1.Hash() {
		t.Fatalf("unexpected tip: %d %x", tip, hash)
	}
}

func TestAppendRejectsNonMonotoneHeight(t *testing.T) {
	s := openTestStore(t)
	genesis := signedBlock(t, 0, chaintypes.Hash{})
	if err := s.Append(genesis); err != nil {
		t.Fatalf("Append genesis: %v", err)
	}
	skip := signedBlock(t, 5, genesis.Hash())
	if err := s.Append(skip); err == nil {
		t.Fatal("expected non-monotone height to be rejected")
	}
}

func TestReplayRebuildsIndicesAcrossReopen(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	s, err := Open(sb.Root, DefaultParams(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	genesis := signedBlock(t, 0, chaintypes.Hash{})
	if err := s.Append(genesis); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b1 := signedBlock(t, 1, genesis.Hash())
	if err := s.Append(b1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(sb.Root, DefaultParams(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	tip, hash := reopened.Tip()
	if tip != 1 || hash != b1.Hash() {
		t.Fatalf("expected replay to rebuild tip 1/%x, got %d/%x", b1.Hash(), tip, hash)
	}
	got, err := reopened.GetByHeight(0)
	if err != nil {
		t.Fatalf("GetByHeight(0) after reopen: %v", err)
	}
	if got.Hash() != genesis.Hash() {
		t.Fatal("genesis block mismatch after replay")
	}
}

func TestCheckpointNearestAndLatest(t *testing.T) {
	s := openTestStore(t)
	genesis := signedBlock(t, 0, chaintypes.Hash{})
	if err := s.Append(genesis); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Checkpoint([]byte("state0"), nil, nil, 1000); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	prev := genesis.Hash()
	for h := uint64(1); h <= 3; h++ {
		b := signedBlock(t, h, prev)
		if err := s.Append(b); err != nil {
			t.Fatalf("Append h=%d: %v", h, err)
		}
		prev = b.Hash()
	}
	ck2, err := s.Checkpoint([]byte("state3"), nil, nil, 2000)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	latest, ok := s.LatestCheckpoint()
	if !ok || latest.Height != 3 {
		t.Fatalf("expected latest checkpoint at height 3, got %+v", latest)
	}
	nearest, ok := s.NearestCheckpoint(2)
	if !ok || nearest.Height != 0 {
		t.Fatalf("expected nearest checkpoint at or below height 2 to be height 0, got %+v", nearest)
	}
	if ck2.Height != 3 {
		t.Fatalf("expected second checkpoint at height 3, got %d", ck2.Height)
	}
}

func TestReorgRefusesAtOrBelowLatestCheckpoint(t *testing.T) {
	s := openTestStore(t)
	genesis := signedBlock(t, 0, chaintypes.Hash{})
	if err := s.Append(genesis); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b1 := signedBlock(t, 1, genesis.Hash())
	if err := s.Append(b1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Checkpoint(nil, nil, nil, 1000); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	b2 := signedBlock(t, 2, b1.Hash())
	if err := s.Append(b2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A competing chain whose fork point (height 1) is at the checkpoint
	// height must be refused.
	altB2 := signedBlock(t, 2, b1.Hash())
	err := s.Reorganize(altB2, nil)
	if err == nil {
		t.Fatal("expected reorg across a checkpointed fork point to be refused")
	}
}

func TestReorgRefusesBeyondLimit(t *testing.T) {
	params := DefaultParams()
	params.ReorgLimit = 2
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()
	s, err := Open(sb.Root, params, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	genesis := signedBlock(t, 0, chaintypes.Hash{})
	if err := s.Append(genesis); err != nil {
		t.Fatalf("Append: %v", err)
	}
	prev := genesis.Hash()
	for h := uint64(1); h <= 4; h++ {
		b := signedBlock(t, h, prev)
		if err := s.Append(b); err != nil {
			t.Fatalf("Append: %v", err)
		}
		prev = b.Hash()
	}

	ancestors := []*chaintypes.Block{
		signedBlock(t, 2, genesis.Hash()),
		signedBlock(t, 3, chaintypes.Hash{9}),
		signedBlock(t, 4, chaintypes.Hash{9}),
	}
	newTip := signedBlock(t, 5, chaintypes.Hash{9})
	if err := s.Reorganize(newTip, ancestors); err == nil {
		t.Fatal("expected reorg exceeding reorg_limit to be refused")
	}
}

func TestShouldCheckpointSchedule(t *testing.T) {
	s := openTestStore(t)
	if !s.ShouldCheckpoint(0) {
		t.Fatal("expected height 0 to fall on the checkpoint schedule")
	}
	if s.ShouldCheckpoint(1) {
		t.Fatal("height 1 should not be on the default 10000-block schedule")
	}
	if !s.ShouldCheckpoint(10_000) {
		t.Fatal("expected height 10000 to fall on the checkpoint schedule")
	}
}
