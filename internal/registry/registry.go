// Package registry implements the validator registry (C3): the set of
// staked participants eligible to propose and vote on blocks, their
// lifecycle state, and the reputation bookkeeping that feeds proposer
// selection.
//
// The registry follows the teacher's ValidatorManager pattern
// (consensus_validator_management.go): a single mutex-guarded map keyed by
// address, with every mutation going through a registry method so callers
// never need their own locking.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bt2c-network/bt2cd/internal/bt2ccrypto"
	"github.com/bt2c-network/bt2cd/internal/bt2cerr"
	"github.com/bt2c-network/bt2cd/internal/chaintypes"
)

// Params holds the tunable reputation/eligibility constants from
// configuration (§4.3).
type Params struct {
	MinStake         uint64
	RMax             float64
	DecayRate        float64
	SuccessIncrement float64
	MissIncrement    float64
	JailPenalty      float64
	MaxMissedBlocks  uint64
	JailDurationS    int64
}

// DefaultParams returns the specification's default constants.
func DefaultParams() Params {
	return Params{
		MinStake:         100_000_000, // 1.0 unit, 8 decimal minor units
		RMax:             100,
		DecayRate:        0.01,
		SuccessIncrement: 1.0,
		MissIncrement:    2.0,
		JailPenalty:      0.5,
		MaxMissedBlocks:  50,
		JailDurationS:    3600,
	}
}

// Registry owns the canonical validator set. Every field mutation is
// serialized through the embedded mutex.
type Registry struct {
	mu         sync.RWMutex
	validators map[chaintypes.Address]*chaintypes.Validator
	closed     bool
	params     Params
}

// New constructs an empty registry with the given parameters.
func New(params Params) *Registry {
	return &Registry{
		validators: make(map[chaintypes.Address]*chaintypes.Validator),
		params:     params,
	}
}

// Close stops the registry from accepting new registrations; existing
// validators are unaffected.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Register adds a new validator in the Inactive state with the given
// stake. It fails if the address is already registered, the registry is
// closed, or stake is below the configured minimum.
func (r *Registry) Register(addr chaintypes.Address, pubkey []byte, stake uint64, moniker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("registry closed"), "register")
	}
	if _, ok := r.validators[addr]; ok {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("validator already registered"), addr.Hex())
	}
	if stake < r.params.MinStake {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("stake below minimum"), addr.Hex())
	}
	r.validators[addr] = &chaintypes.Validator{
		Address:    addr,
		PublicKey:  append([]byte(nil), pubkey...),
		Stake:      stake,
		State:      chaintypes.ValidatorInactive,
		Reputation: r.params.RMax,
		Moniker:    moniker,
	}
	return nil
}

// Activate transitions a registered validator to Active.
func (r *Registry) Activate(addr chaintypes.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	if v.State == chaintypes.ValidatorTombstoned {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("tombstoned validator cannot activate"), addr.Hex())
	}
	v.State = chaintypes.ValidatorActive
	return nil
}

// Deactivate transitions a validator to Inactive (e.g. after a voluntary
// unstake drops it below the minimum).
func (r *Registry) Deactivate(addr chaintypes.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	if v.State == chaintypes.ValidatorTombstoned {
		return nil
	}
	v.State = chaintypes.ValidatorInactive
	return nil
}

// Jail transitions a validator to Jailed for durationS seconds, measured
// from nowUnix, and applies the jail reputation penalty. nowUnix is
// supplied by the caller (the node passes wall-clock Unix seconds) so the
// registry itself never reads the clock.
func (r *Registry) Jail(addr chaintypes.Address, nowUnix int64, durationS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	if v.State == chaintypes.ValidatorTombstoned {
		return nil
	}
	v.State = chaintypes.ValidatorJailed
	v.JailedUntil = nowUnix + durationS
	v.Reputation *= r.params.JailPenalty
	return nil
}

// Unjail transitions a Jailed validator whose sentence has expired back
// to Inactive. nowUnix is the caller-supplied current time.
func (r *Registry) Unjail(addr chaintypes.Address, nowUnix int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	if v.State != chaintypes.ValidatorJailed {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("validator not jailed"), addr.Hex())
	}
	if nowUnix < v.JailedUntil {
		return bt2cerr.New(bt2cerr.KindValidation, errors.New("jail sentence not yet expired"), addr.Hex())
	}
	v.State = chaintypes.ValidatorInactive
	v.JailedUntil = 0
	return nil
}

// ReleaseExpiredJails transitions every Jailed validator whose sentence has
// expired as of nowUnix back to Inactive, returning the released addresses.
// Callers drive this once per committed height (§4.3: "Jailed expires
// automatically after jail_duration, transitioning to Inactive") rather than
// polling each jailed validator individually.
func (r *Registry) ReleaseExpiredJails(nowUnix int64) []chaintypes.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []chaintypes.Address
	for addr, v := range r.validators {
		if v.State == chaintypes.ValidatorJailed && nowUnix >= v.JailedUntil {
			v.State = chaintypes.ValidatorInactive
			v.JailedUntil = 0
			released = append(released, addr)
		}
	}
	sort.Slice(released, func(i, j int) bool {
		return released[i].Hex() < released[j].Hex()
	})
	return released
}

// Tombstone permanently removes addr from proposer/voter eligibility. A
// tombstoned validator never transitions back (§3 invariants).
func (r *Registry) Tombstone(addr chaintypes.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	v.State = chaintypes.ValidatorTombstoned
	v.Tombstoned = true
	v.Reputation = 0
	return nil
}

// UpdateStake sets a validator's stake to newStake. If the new stake falls
// below the minimum, the validator is deactivated but retained.
func (r *Registry) UpdateStake(addr chaintypes.Address, newStake uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	v.Stake = newStake
	if newStake < r.params.MinStake && v.State == chaintypes.ValidatorActive {
		v.State = chaintypes.ValidatorInactive
	}
	return nil
}

// Slash reduces a validator's stake by the given fraction (0, 1] and jails
// it for 2x the configured jail duration, per the slashable-offense rule
// (§4.4). It returns the amount deducted.
func (r *Registry) Slash(addr chaintypes.Address, fraction float64, nowUnix int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return 0, err
	}
	deducted := uint64(float64(v.Stake) * fraction)
	v.Stake -= deducted
	v.State = chaintypes.ValidatorJailed
	v.JailedUntil = nowUnix + 2*r.params.JailDurationS
	v.Reputation *= r.params.JailPenalty
	return deducted, nil
}

// RecordProduced applies the successful-proposal reputation update and
// increments the validator's produced-block counter.
func (r *Registry) RecordProduced(addr chaintypes.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	v.BlocksProduced++
	v.Reputation = min(r.params.RMax, v.Reputation*(1-r.params.DecayRate)+r.params.SuccessIncrement)
	return nil
}

// RecordMissed applies the missed/failed-proposal reputation update,
// increments the missed-block counter, and auto-jails the validator if it
// has now exceeded the configured missed-block threshold.
func (r *Registry) RecordMissed(addr chaintypes.Address, nowUnix int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	v.BlocksMissed++
	v.Reputation = max(0, v.Reputation*(1-r.params.DecayRate)-r.params.MissIncrement)
	if v.BlocksMissed > r.params.MaxMissedBlocks && v.State == chaintypes.ValidatorActive {
		v.State = chaintypes.ValidatorJailed
		v.JailedUntil = nowUnix + r.params.JailDurationS
	}
	return nil
}

// SetDistributionEligibility records whether addr registered during the
// bootstrap distribution window and whether it was the first validator
// registered (the developer node), used by the state machine to decide
// the one-time bootstrap credit amount.
func (r *Registry) SetDistributionEligibility(addr chaintypes.Address, joinedDuringDistribution, isFirst bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	v.JoinedDuringDistribution = joinedDuringDistribution
	v.IsFirstValidator = isFirst
	return nil
}

// MarkDistributionRewardClaimed sets addr's one-time distribution-period
// credit as claimed, so it is never issued twice.
func (r *Registry) MarkDistributionRewardClaimed(addr chaintypes.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.get(addr)
	if err != nil {
		return err
	}
	v.DistributionRewardClaimed = true
	return nil
}

// Get returns a copy of the validator registered at addr.
func (r *Registry) Get(addr chaintypes.Address) (chaintypes.Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, err := r.get(addr)
	if err != nil {
		return chaintypes.Validator{}, err
	}
	return *v, nil
}

func (r *Registry) get(addr chaintypes.Address) (*chaintypes.Validator, error) {
	v, ok := r.validators[addr]
	if !ok {
		return nil, bt2cerr.New(bt2cerr.KindValidation, errors.New("validator not registered"), addr.Hex())
	}
	return v, nil
}

// Eligible returns every validator satisfying the eligibility predicate
// (Active ∧ stake ≥ min_stake ∧ not jailed), ordered by address for
// deterministic iteration across nodes (§4.3/§4.4 invariant 7).
func (r *Registry) Eligible() []chaintypes.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chaintypes.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		if v.Eligible(r.params.MinStake) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// Weight computes a validator's proposer-selection weight:
// stake * (epsilon + reputation/R_max).
func Weight(v chaintypes.Validator, rMax, epsilon float64) float64 {
	return float64(v.Stake) * (epsilon + v.Reputation/rMax)
}

// All returns every registered validator regardless of state, ordered by
// address.
func (r *Registry) All() []chaintypes.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chaintypes.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// TotalStake sums the stake of every registered validator, used to check
// the sum(validator.stake) = total_stake invariant.
func (r *Registry) TotalStake() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, v := range r.validators {
		total += v.Stake
	}
	return total
}

// Snapshot returns a deep copy of the validator set, used by the state
// machine to implement atomic block-application rollback (§4.4).
func (r *Registry) Snapshot() map[chaintypes.Address]chaintypes.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[chaintypes.Address]chaintypes.Validator, len(r.validators))
	for addr, v := range r.validators {
		out[addr] = *v
	}
	return out
}

// Restore replaces the validator set with a previously captured snapshot.
func (r *Registry) Restore(snap map[chaintypes.Address]chaintypes.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = make(map[chaintypes.Address]*chaintypes.Validator, len(snap))
	for addr, v := range snap {
		cp := v
		r.validators[addr] = &cp
	}
}

// Sample registers and activates n freshly-generated validators with equal
// stake, returning their addresses. It mirrors the teacher's
// RandomElectorate-style role sampling (authority_nodes.go) reduced to a
// quick multi-validator fixture for tests that need a populated registry
// without hand-rolling each validator's key and registration.
func Sample(r *Registry, n int, stakeEach uint64) ([]chaintypes.Address, error) {
	addrs := make([]chaintypes.Address, 0, n)
	for i := 0; i < n; i++ {
		priv, err := bt2ccrypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		addr := chaintypes.DeriveAddress(priv)
		if err := r.Register(addr, bt2ccrypto.PublicKeyBytes(priv), stakeEach, fmt.Sprintf("sample-%d", i)); err != nil {
			return nil, err
		}
		if err := r.Activate(addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
