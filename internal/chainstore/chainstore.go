// Package chainstore implements the append-only blockchain store (C5): a
// compressed binary block log plus height/hash indices, checkpointing and
// bounded reorganization.
//
// The append/WAL-replay shape follows the teacher's Ledger (ledger.go):
// a single os.File opened for append, one writer at a time, blocks
// individually compressed the way the teacher's archival path compresses
// pruned blocks with compress/gzip — upgraded here to
// klauspost/compress/gzip, the faster drop-in the rest of the example
// corpus reaches for on the hot append path.
package chainstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/bt2cerr"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
)

// indexEntry locates a compressed block within the log file.
type indexEntry struct {
	Offset int64
	Length int64
}

// Params configures store behavior (§4.5/§5).
type Params struct {
	ReorgLimit         int
	CheckpointInterval uint64
	MaxCheckpoints     int
	PruneThreshold     uint64
	TrustedCheckpoints map[chaintypes.Hash]bool
}

// DefaultParams returns the specification's defaults.
func DefaultParams() Params {
	return Params{
		ReorgLimit:         100,
		CheckpointInterval: 10_000,
		MaxCheckpoints:     10,
		PruneThreshold:     0,
		TrustedCheckpoints: map[chaintypes.Hash]bool{},
	}
}

// Store is the append-only block log and its indices.
type Store struct {
	mu sync.Mutex

	dir         string
	logFile     *os.File
	byHeight    map[uint64]indexEntry
	byHash      map[chaintypes.Hash]uint64
	blocks      map[uint64]chaintypes.Hash // height -> hash, for reorg walk-back
	currentTip  uint64
	currentHash chaintypes.Hash
	hasBlocks   bool

	checkpoints []chaintypes.Checkpoint
	params      Params
	log         *logrus.Entry
}

// Open opens or creates a blockchain store rooted at dir, replaying any
// existing block log into the in-memory indices.
func Open(dir string, params Params, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "blocks.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, bt2cerr.New(bt2cerr.KindStorage, err, "open block log")
	}
	s := &Store{
		dir:      dir,
		logFile:  f,
		byHeight: make(map[uint64]indexEntry),
		byHash:   make(map[chaintypes.Hash]uint64),
		blocks:   make(map[uint64]chaintypes.Hash),
		params:   params,
		log:      log,
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.loadCheckpoints(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// replay rebuilds the in-memory indices by scanning the log file from the
// start, mirroring the teacher's WAL-replay-on-open pattern.
func (s *Store) replay() error {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var offset int64
	for {
		var lenBuf [8]byte
		n, err := io.ReadFull(s.logFile, lenBuf[:])
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			return bt2cerr.New(bt2cerr.KindStorage, err, "replay: read length prefix")
		}
		length := int64(beUint64(lenBuf[:]))
		compressed := make([]byte, length)
		if _, err := io.ReadFull(s.logFile, compressed); err != nil {
			return bt2cerr.New(bt2cerr.KindStorage, err, "replay: read block body")
		}
		block, err := decompressBlock(compressed)
		if err != nil {
			return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrCorruptIndex, err.Error())
		}
		h := block.Hash()
		s.byHeight[block.Header.Height] = indexEntry{Offset: offset + 8, Length: length}
		s.byHash[h] = block.Header.Height
		s.blocks[block.Header.Height] = h
		s.currentTip = block.Header.Height
		s.currentHash = h
		s.hasBlocks = true
		offset += 8 + length
	}
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadCheckpoints() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) < 11 || e.Name()[:11] != "checkpoint_" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return err
		}
		var ck chaintypes.Checkpoint
		if err := json.Unmarshal(raw, &ck); err != nil {
			return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrCheckpointVerify, e.Name())
		}
		s.checkpoints = append(s.checkpoints, ck)
	}
	sort.Slice(s.checkpoints, func(i, j int) bool { return s.checkpoints[i].Height < s.checkpoints[j].Height })
	return nil
}

// Append validates the block's height is the immediate successor of the
// current tip, compresses and writes it, and updates the indices.
func (s *Store) Append(block *chaintypes.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasBlocks && block.Header.Height != s.currentTip+1 {
		return bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidHeight, fmt.Sprintf("want %d got %d", s.currentTip+1, block.Header.Height))
	}
	if !s.hasBlocks && block.Header.Height != 0 {
		return bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidHeight, "genesis must be height 0")
	}

	compressed, err := compressBlock(block)
	if err != nil {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrAppendFailed, err.Error())
	}
	offset, err := s.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrAppendFailed, err.Error())
	}
	var lenBuf [8]byte
	putBeUint64(lenBuf[:], uint64(len(compressed)))
	if _, err := s.logFile.Write(lenBuf[:]); err != nil {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrAppendFailed, err.Error())
	}
	if _, err := s.logFile.Write(compressed); err != nil {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrAppendFailed, err.Error())
	}

	h := block.Hash()
	s.byHeight[block.Header.Height] = indexEntry{Offset: offset + 8, Length: int64(len(compressed))}
	s.byHash[h] = block.Header.Height
	s.blocks[block.Header.Height] = h
	s.currentTip = block.Header.Height
	s.currentHash = h
	s.hasBlocks = true

	if s.log != nil {
		s.log.WithField("height", block.Header.Height).Debug("block_added")
	}
	return nil
}

// Sync fsyncs the log file, invoked on the store's own sync_interval
// schedule (§5), independent of the append path.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFile.Sync()
}

// Tip returns the current chain height and hash.
func (s *Store) Tip() (uint64, chaintypes.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTip, s.currentHash
}

// GetByHeight reads, decompresses and decodes the block at height h.
func (s *Store) GetByHeight(h uint64) (*chaintypes.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byHeight[h]
	if !ok {
		return nil, bt2cerr.New(bt2cerr.KindStorage, errors.New("block not found"), fmt.Sprintf("height %d", h))
	}
	return s.readAt(entry)
}

// GetByHash reads the block identified by hash.
func (s *Store) GetByHash(hash chaintypes.Hash) (*chaintypes.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byHash[hash]
	if !ok {
		return nil, bt2cerr.New(bt2cerr.KindStorage, errors.New("block not found"), hash.Hex())
	}
	entry, ok := s.byHeight[h]
	if !ok {
		return nil, bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrCorruptIndex, hash.Hex())
	}
	return s.readAt(entry)
}

func (s *Store) readAt(entry indexEntry) (*chaintypes.Block, error) {
	compressed := make([]byte, entry.Length)
	if _, err := s.logFile.ReadAt(compressed, entry.Offset); err != nil {
		return nil, bt2cerr.New(bt2cerr.KindStorage, err, "read block")
	}
	return decompressBlock(compressed)
}

// Checkpoint captures the current tip plus caller-supplied state/UTXO
// snapshots, optionally signing it, and writes it as JSON to a
// checkpoint_<height>_<timestamp>_<8-char uuid prefix> file in the data
// directory.
func (s *Store) Checkpoint(stateSnapshot, utxoSnapshot []byte, sign func(digest [32]byte) ([]byte, error), nowUnix int64) (chaintypes.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := chaintypes.Checkpoint{
		Height:        s.currentTip,
		BlockHash:     s.currentHash,
		CreatedAt:     nowUnix,
		StateSnapshot: stateSnapshot,
		UTXOSnapshot:  utxoSnapshot,
	}
	if s.currentTip > 0 {
		if parentEntry, ok := s.byHeight[s.currentTip-1]; ok {
			if parent, err := s.readAt(parentEntry); err == nil {
				ck.PrevHash = parent.Hash()
			}
		}
	}
	if sign != nil {
		digest := checkpointDigest(ck)
		sig, err := sign(digest)
		if err != nil {
			return chaintypes.Checkpoint{}, err
		}
		ck.Signature = sig
	}

	name := fmt.Sprintf("checkpoint_%d_%d_%s", ck.Height, nowUnix, uuid.NewString()[:8])
	raw, err := json.Marshal(ck)
	if err != nil {
		return chaintypes.Checkpoint{}, err
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), raw, 0o600); err != nil {
		return chaintypes.Checkpoint{}, bt2cerr.New(bt2cerr.KindStorage, err, "write checkpoint")
	}

	s.checkpoints = append(s.checkpoints, ck)
	s.pruneCheckpointsLocked()
	return ck, nil
}

func (s *Store) pruneCheckpointsLocked() {
	if s.params.MaxCheckpoints <= 0 || len(s.checkpoints) <= s.params.MaxCheckpoints {
		return
	}
	excess := len(s.checkpoints) - s.params.MaxCheckpoints
	for i := 0; i < excess; i++ {
		ck := s.checkpoints[i]
		name := fmt.Sprintf("checkpoint_%d_", ck.Height)
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if len(e.Name()) >= len(name) && e.Name()[:len(name)] == name {
				os.Remove(filepath.Join(s.dir, e.Name()))
			}
		}
	}
	s.checkpoints = s.checkpoints[excess:]
}

// NearestCheckpoint returns the most recent checkpoint at or below height
// h.
func (s *Store) NearestCheckpoint(h uint64) (chaintypes.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best chaintypes.Checkpoint
	found := false
	for _, ck := range s.checkpoints {
		if ck.Height <= h && (!found || ck.Height > best.Height) {
			best = ck
			found = true
		}
	}
	return best, found
}

// LatestCheckpoint returns the most recently created checkpoint.
func (s *Store) LatestCheckpoint() (chaintypes.Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.checkpoints) == 0 {
		return chaintypes.Checkpoint{}, false
	}
	return s.checkpoints[len(s.checkpoints)-1], true
}

// VerifyCheckpoint checks ck's signature against verify, unless its hash
// appears in the trusted-checkpoint list, in which case verification is
// bypassed.
func (s *Store) VerifyCheckpoint(ck chaintypes.Checkpoint, verify func(digest [32]byte, sig []byte) bool) error {
	if s.params.TrustedCheckpoints[ck.BlockHash] {
		return nil
	}
	if verify == nil || len(ck.Signature) == 0 {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrCheckpointVerify, "no signature and not trusted")
	}
	if !verify(checkpointDigest(ck), ck.Signature) {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrCheckpointVerify, "signature mismatch")
	}
	return nil
}

// RestoreToCheckpoint rewinds the store's indices to ck.Height, orphaning
// every block above it.
func (s *Store) RestoreToCheckpoint(ck chaintypes.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ck.Height > s.currentTip {
		return bt2cerr.New(bt2cerr.KindStorage, errors.New("checkpoint height beyond current tip"), "")
	}
	for h := ck.Height + 1; h <= s.currentTip; h++ {
		if hash, ok := s.blocks[h]; ok {
			delete(s.byHash, hash)
		}
		delete(s.byHeight, h)
		delete(s.blocks, h)
	}
	s.currentTip = ck.Height
	s.currentHash = ck.BlockHash
	return nil
}

// Reorganize switches the canonical chain to end at newTip, the tip of a
// competing branch whose blocks above the fork point are ancestors (in
// ascending height order) followed by newTip. It orphans every indexed
// block above the fork point and appends the branch. It refuses to cross the latest
// checkpoint (an Open Question decision: a reorg whose fork point lies at
// or below the latest checkpoint height is rejected outright) and refuses
// reorgs deeper than ReorgLimit blocks.
func (s *Store) Reorganize(newTip *chaintypes.Block, ancestors []*chaintypes.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ancestors) > s.params.ReorgLimit {
		return bt2cerr.New(bt2cerr.KindConsensus, bt2cerr.ErrReorgLimitExceeded, fmt.Sprintf("%d > %d", len(ancestors), s.params.ReorgLimit))
	}
	forkHeight := newTip.Header.Height - uint64(len(ancestors)) - 1
	if len(s.checkpoints) > 0 {
		latest := s.checkpoints[len(s.checkpoints)-1]
		if forkHeight <= latest.Height {
			return bt2cerr.New(bt2cerr.KindConsensus, errors.New("reorg fork point at or below latest checkpoint"), fmt.Sprintf("fork=%d checkpoint=%d", forkHeight, latest.Height))
		}
	}

	for h := forkHeight + 1; h <= s.currentTip; h++ {
		if hash, ok := s.blocks[h]; ok {
			delete(s.byHash, hash)
		}
		delete(s.byHeight, h)
		delete(s.blocks, h)
	}

	chain := append(append([]*chaintypes.Block{}, ancestors...), newTip)
	for _, b := range chain {
		if err := s.appendLocked(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendLocked(block *chaintypes.Block) error {
	compressed, err := compressBlock(block)
	if err != nil {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrAppendFailed, err.Error())
	}
	offset, err := s.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return bt2cerr.New(bt2cerr.KindStorage, bt2cerr.ErrAppendFailed, err.Error())
	}
	var lenBuf [8]byte
	putBeUint64(lenBuf[:], uint64(len(compressed)))
	if _, err := s.logFile.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.logFile.Write(compressed); err != nil {
		return err
	}
	h := block.Hash()
	s.byHeight[block.Header.Height] = indexEntry{Offset: offset + 8, Length: int64(len(compressed))}
	s.byHash[h] = block.Header.Height
	s.blocks[block.Header.Height] = h
	s.currentTip = block.Header.Height
	s.currentHash = h
	return nil
}

// ShouldCheckpoint reports whether height h falls on the checkpoint
// schedule.
func (s *Store) ShouldCheckpoint(h uint64) bool {
	return s.params.CheckpointInterval > 0 && h%s.params.CheckpointInterval == 0
}

// Close closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logFile.Close()
}

func compressBlock(b *chaintypes.Block) ([]byte, error) {
	raw, err := chaintypes.EncodeBlock(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBlock(compressed []byte) (*chaintypes.Block, error) {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	return chaintypes.DecodeBlock(raw)
}

func checkpointDigest(ck chaintypes.Checkpoint) [32]byte {
	payload := struct {
		Height        uint64
		BlockHash     chaintypes.Hash
		PrevHash      chaintypes.Hash
		CreatedAt     int64
		StateSnapshot []byte
		UTXOSnapshot  []byte
	}{ck.Height, ck.BlockHash, ck.PrevHash, ck.CreatedAt, ck.StateSnapshot, ck.UTXOSnapshot}
	raw, _ := json.Marshal(payload)
	return bt2ccrypto.Hash(raw)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
