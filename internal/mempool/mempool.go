// Package mempool implements the transaction mempool (C6): admission
// control with nonce ordering and replace-by-fee, a priority-ordered
// queue for block assembly, suspicious-transaction flagging, and
// congestion-aware eviction.
//
// The priority container follows the teacher's txItem/txPriorityQueue
// (transactions.go), a container/heap.Interface implementation ordered by
// a float priority score; this package generalizes it to the fee/age/
// suspicious-penalty formula in §4.6 and adds the indices the admission
// algorithm needs (by sender, by (sender, nonce), spent-hash set).
package mempool

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/bt2c-network/bt2cd/internal/bt2cerr"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
)

// Params configures admission, scoring and eviction (§4.6).
type Params struct {
	MaxBytes             int
	DefaultTTLSeconds    int64
	RBFMultiplier        float64
	CongestionMinFeeRate float64
	TargetSizePercent    float64
	SuspiciousMultiplier float64
	SuspiciousHighFee    uint64
	DustFeePerByte       float64
	MinAgeForEvictionS   int64
	AlphaFee             float64
	BetaAge              float64
	GammaAncestor        float64
}

// DefaultParams returns the specification's defaults.
func DefaultParams() Params {
	return Params{
		MaxBytes:             64 * 1024 * 1024,
		DefaultTTLSeconds:    3 * 3600,
		RBFMultiplier:        1.25,
		CongestionMinFeeRate: 1.0,
		TargetSizePercent:    0.8,
		SuspiciousMultiplier: 0.5,
		SuspiciousHighFee:    10 * 100_000_000,
		DustFeePerByte:       1.0,
		MinAgeForEvictionS:   30,
		AlphaFee:             1.0,
		BetaAge:              0.1,
		GammaAncestor:        0.05,
	}
}

// Entry is a pooled transaction plus the bookkeeping fields the admission
// and eviction algorithms need (§3 Mempool entry).
type Entry struct {
	Tx            chaintypes.Transaction
	Hash          chaintypes.Hash
	ReceivedAtS   int64
	SizeBytes     int
	FeePerByte    float64
	PriorityScore float64
	Ancestors     int
	Descendants   int
	Suspicious    bool

	index int // heap.Interface bookkeeping
}

type priorityQueue []*Entry

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].PriorityScore > pq[j].PriorityScore
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*pq)
	*pq = append(*pq, e)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*pq = old[:n-1]
	return e
}

// StateView is the subset of the state machine the mempool consults to
// admit transactions against the latest applied nonce.
type StateView interface {
	Account(addr chaintypes.Address) chaintypes.Account
}

// Pool is the node's mempool: a primary map keyed by transaction hash plus
// secondary indexes by sender and (sender, nonce), and a priority heap
// used for block assembly.
type Pool struct {
	mu sync.Mutex

	byHash    map[chaintypes.Hash]*Entry
	bySender  map[chaintypes.Address][]chaintypes.Hash
	byNonce   map[chaintypes.Address]map[uint64]chaintypes.Hash
	spent     map[chaintypes.Hash]bool
	heap      priorityQueue
	sizeBytes int

	params Params
	state  StateView
}

// New constructs an empty pool backed by state for nonce/balance lookups.
func New(params Params, state StateView) *Pool {
	return &Pool{
		byHash:   make(map[chaintypes.Hash]*Entry),
		bySender: make(map[chaintypes.Address][]chaintypes.Hash),
		byNonce:  make(map[chaintypes.Address]map[uint64]chaintypes.Hash),
		spent:    make(map[chaintypes.Hash]bool),
		params:   params,
		state:    state,
	}
}

func estimateSize(tx *chaintypes.Transaction) int {
	return 128 + len(tx.Signature)
}

// Admit runs the admission algorithm (§4.6 steps 1-7) against tx at
// nowUnix, inserting it into the pool on success.
func (p *Pool) Admit(tx *chaintypes.Transaction, nowUnix int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	if _, exists := p.byHash[hash]; exists {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("duplicate transaction"), hash.Hex())
	}
	if p.spent[hash] {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("transaction already spent"), hash.Hex())
	}
	if p.params.DefaultTTLSeconds > 0 && nowUnix-int64(tx.Timestamp) > p.params.DefaultTTLSeconds {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("transaction expired"), hash.Hex())
	}

	size := estimateSize(tx)
	feePerByte := float64(tx.Fee) / float64(size)

	stateNonce := uint64(0)
	if p.state != nil {
		stateNonce = p.state.Account(tx.Sender).Nonce
	}
	maxMempoolNonce := stateNonce
	if existing, ok := p.byNonce[tx.Sender]; ok {
		for n := range existing {
			if n > maxMempoolNonce {
				maxMempoolNonce = n
			}
		}
	}
	expected := maxMempoolNonce + 1

	suspicious := false
	var replaced chaintypes.Hash
	var isReplace bool

	switch {
	case tx.Nonce == expected:
		// ordinary, in-sequence admission
	default:
		if existingHash, ok := p.byNonce[tx.Sender][tx.Nonce]; ok {
			old := p.byHash[existingHash]
			if feePerByte < old.FeePerByte*p.params.RBFMultiplier {
				return bt2cerr.New(bt2cerr.KindValidation, errors.New("replace-by-fee: insufficient fee bump"), hash.Hex())
			}
			isReplace = true
			replaced = existingHash
		} else if tx.Nonce > expected {
			suspicious = true // nonce gap ahead of expected
		} else {
			return bt2cerr.New(bt2cerr.KindValidation, bt2cerr.ErrInvalidNonce, hash.Hex())
		}
	}

	if p.congestedLocked() && feePerByte < p.params.CongestionMinFeeRate {
		return bt2cerr.New(bt2cerr.KindCapacity, bt2cerr.ErrFeeBelowMinimum, hash.Hex())
	}

	if tx.Fee >= p.params.SuspiciousHighFee || feePerByte < p.params.DustFeePerByte {
		suspicious = true
	}

	if isReplace {
		p.removeLocked(replaced)
	}

	entry := &Entry{
		Tx:          *tx,
		Hash:        hash,
		ReceivedAtS: nowUnix,
		SizeBytes:   size,
		FeePerByte:  feePerByte,
		Ancestors:   int(tx.Nonce - stateNonce - 1),
		Suspicious:  suspicious,
	}
	entry.PriorityScore = p.scoreLocked(entry, nowUnix)

	p.byHash[hash] = entry
	p.bySender[tx.Sender] = append(p.bySender[tx.Sender], hash)
	if p.byNonce[tx.Sender] == nil {
		p.byNonce[tx.Sender] = make(map[uint64]chaintypes.Hash)
	}
	p.byNonce[tx.Sender][tx.Nonce] = hash
	heap.Push(&p.heap, entry)
	p.sizeBytes += size

	if p.sizeBytes > p.params.MaxBytes {
		p.evictToTargetLocked(nowUnix)
	}
	return nil
}

func (p *Pool) scoreLocked(e *Entry, nowUnix int64) float64 {
	age := float64(nowUnix - e.ReceivedAtS)
	score := p.params.AlphaFee*e.FeePerByte - p.params.BetaAge*age + p.params.GammaAncestor*float64(e.Ancestors)
	if e.Suspicious {
		score *= p.params.SuspiciousMultiplier
	}
	return score
}

func (p *Pool) congestedLocked() bool {
	return p.sizeBytes > int(p.params.TargetSizePercent*float64(p.params.MaxBytes))
}

// removeLocked deletes hash from every index and the heap without
// evaluating descendant eviction; callers that need the descendant rule
// use evictLocked.
func (p *Pool) removeLocked(hash chaintypes.Hash) {
	e, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	delete(p.byNonce[e.Tx.Sender], e.Tx.Nonce)
	p.bySender[e.Tx.Sender] = removeHash(p.bySender[e.Tx.Sender], hash)
	if e.index >= 0 && e.index < len(p.heap) && p.heap[e.index] == e {
		heap.Remove(&p.heap, e.index)
	}
	p.sizeBytes -= e.SizeBytes
}

func removeHash(list []chaintypes.Hash, target chaintypes.Hash) []chaintypes.Hash {
	out := list[:0]
	for _, h := range list {
		if h != target {
			out = append(out, h)
		}
	}
	return out
}

// evictLocked removes hash and every descendant transaction from the same
// sender (higher nonce), preserving the nonce-sequence invariant (§4.6
// Eviction).
func (p *Pool) evictLocked(hash chaintypes.Hash) {
	e, ok := p.byHash[hash]
	if !ok {
		return
	}
	sender, nonce := e.Tx.Sender, e.Tx.Nonce
	p.removeLocked(hash)
	for {
		nextHash, ok := p.byNonce[sender][nonce+1]
		if !ok {
			break
		}
		p.removeLocked(nextHash)
		nonce++
	}
}

// evictToTargetLocked removes lowest-priority entries (respecting
// min_age_for_eviction) until the pool is back under
// target_size_percent*max_size_bytes.
func (p *Pool) evictToTargetLocked(nowUnix int64) {
	target := int(p.params.TargetSizePercent * float64(p.params.MaxBytes))
	candidates := make([]*Entry, len(p.heap))
	copy(candidates, p.heap)
	sortByPriorityAscending(candidates)
	for _, e := range candidates {
		if p.sizeBytes <= target {
			return
		}
		if nowUnix-e.ReceivedAtS < p.params.MinAgeForEvictionS {
			continue
		}
		if _, stillPresent := p.byHash[e.Hash]; stillPresent {
			p.evictLocked(e.Hash)
		}
	}
}

func sortByPriorityAscending(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].PriorityScore < entries[j-1].PriorityScore; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// RunEviction is the background eviction task invoked on the configured
// eviction_interval (§5 scheduling model).
func (p *Pool) RunEviction(nowUnix int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictToTargetLocked(nowUnix)
}

// Get returns the entry for hash, if present.
func (p *Pool) Get(hash chaintypes.Hash) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byHash[hash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IterateByPriority returns up to max entries ordered from highest to
// lowest priority, for block assembly (§4.6 Query surface). It does not
// mutate the pool.
func (p *Pool) IterateByPriority(max int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]*Entry, len(p.heap))
	copy(all, p.heap)
	sortByPriorityDescending(all)
	if max <= 0 || max > len(all) {
		max = len(all)
	}
	out := make([]Entry, max)
	for i := 0; i < max; i++ {
		out[i] = *all[i]
	}
	return out
}

func sortByPriorityDescending(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].PriorityScore > entries[j-1].PriorityScore; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// BySender returns every pooled transaction hash for addr.
func (p *Pool) BySender(addr chaintypes.Address) []chaintypes.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chaintypes.Hash, len(p.bySender[addr]))
	copy(out, p.bySender[addr])
	return out
}

// Stats summarizes the pool's current state (§4.6 Query surface).
type Stats struct {
	SizeBytes      int
	Count          int
	SuspiciousCont int
	OldestAgeS     int64
}

// Stats returns aggregate pool statistics at nowUnix.
func (p *Pool) Stats(nowUnix int64) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{SizeBytes: p.sizeBytes, Count: len(p.byHash)}
	for _, e := range p.byHash {
		if e.Suspicious {
			st.SuspiciousCont++
		}
		age := nowUnix - e.ReceivedAtS
		if age > st.OldestAgeS {
			st.OldestAgeS = age
		}
	}
	return st
}

// OnBlockAdded is the post-commit hook (§4.6 Post-commit): it removes each
// included transaction and marks its hash spent for replay protection. It
// does not re-evaluate the sender's remaining transactions: their entries,
// suspicious flags and priority scores stay as they were at admission.
func (p *Pool) OnBlockAdded(included []chaintypes.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range included {
		hash := tx.Hash()
		p.spent[hash] = true
		p.removeLocked(hash)
	}
}
