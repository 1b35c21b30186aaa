// Package config provides a reusable loader for bt2cd configuration files
// and environment variables, covering every key enumerated in the
// external interfaces section of the specification.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bt2c-network/bt2cd/pkg/utils"
)

// Config is the unified configuration for a bt2cd node.
type Config struct {
	Node struct {
		DataDir  string `mapstructure:"data_dir" json:"data_dir"`
		LogLevel string `mapstructure:"log_level" json:"log_level"`
	} `mapstructure:"node" json:"node"`

	Consensus struct {
		BlockTimeMS          int `mapstructure:"block_time_ms" json:"block_time_ms"`
		ProposalTimeoutMS    int `mapstructure:"proposal_timeout_ms" json:"proposal_timeout_ms"`
		VotingTimeoutMS      int `mapstructure:"voting_timeout_ms" json:"voting_timeout_ms"`
		FinalizationTimeoutMS int `mapstructure:"finalization_timeout_ms" json:"finalization_timeout_ms"`
		MinValidators        int `mapstructure:"min_validators" json:"min_validators"`
		MinStake             uint64 `mapstructure:"min_stake" json:"min_stake"`
		MaxMissedBlocks      int `mapstructure:"max_missed_blocks" json:"max_missed_blocks"`
		JailDurationS        int `mapstructure:"jail_duration_s" json:"jail_duration_s"`
	} `mapstructure:"consensus" json:"consensus"`

	Monetary struct {
		InitialBlockReward uint64 `mapstructure:"initial_block_reward" json:"initial_block_reward"`
		HalvingInterval    uint64 `mapstructure:"halving_interval" json:"halving_interval"`
		MaxSupply          uint64 `mapstructure:"max_supply" json:"max_supply"`
	} `mapstructure:"monetary" json:"monetary"`

	Distribution struct {
		DeveloperReward     uint64 `mapstructure:"developer_reward" json:"developer_reward"`
		EarlyValidatorReward uint64 `mapstructure:"early_validator_reward" json:"early_validator_reward"`
		DistributionPeriodS int64  `mapstructure:"distribution_period_s" json:"distribution_period_s"`
	} `mapstructure:"distribution" json:"distribution"`

	Mempool struct {
		MaxBytes             int     `mapstructure:"mempool_max_bytes" json:"mempool_max_bytes"`
		TxMaxAgeS            int     `mapstructure:"tx_max_age_s" json:"tx_max_age_s"`
		SuspiciousTxMaxAgeS  int     `mapstructure:"suspicious_tx_max_age_s" json:"suspicious_tx_max_age_s"`
		EvictionIntervalS    int     `mapstructure:"eviction_interval_s" json:"eviction_interval_s"`
		RBFMultiplier        float64 `mapstructure:"rbf_multiplier" json:"rbf_multiplier"`
		CongestionMinFeeRate float64 `mapstructure:"congestion_min_fee_rate" json:"congestion_min_fee_rate"`
		TargetSizePercent    float64 `mapstructure:"target_size_percent" json:"target_size_percent"`
		MinAgeForEvictionS   int     `mapstructure:"min_age_for_eviction_s" json:"min_age_for_eviction_s"`
	} `mapstructure:"mempool" json:"mempool"`

	Store struct {
		BlocksPerFile      int      `mapstructure:"blocks_per_file" json:"blocks_per_file"`
		SyncIntervalMS     int      `mapstructure:"sync_interval_ms" json:"sync_interval_ms"`
		ReorgLimit         int      `mapstructure:"reorg_limit" json:"reorg_limit"`
		CheckpointInterval uint64   `mapstructure:"checkpoint_interval" json:"checkpoint_interval"`
		MaxCheckpoints     int      `mapstructure:"max_checkpoints" json:"max_checkpoints"`
		PruneThreshold     uint64   `mapstructure:"prune_threshold" json:"prune_threshold"`
		TrustedCheckpoints []string `mapstructure:"trusted_checkpoints" json:"trusted_checkpoints"`
	} `mapstructure:"store" json:"store"`

	TombstoningOffenses []string `mapstructure:"tombstoning_offenses" json:"tombstoning_offenses"`
}

// Load reads the default config file and merges an optional environment
// specific override, then overlays any BT2C_-prefixed environment
// variables, mirroring the teacher's SetConfigName/AddConfigPath/
// ReadInConfig + MergeInConfig + AutomaticEnv sequence.
func Load(env string) (*Config, error) {
	v := viper.New()
	defaultsInto(v)

	v.SetConfigName("default")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("BT2C")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// defaultsInto installs the package defaults on a private viper instance
// so concurrent tests using distinct Load calls never race on the global
// viper singleton.
func defaultsInto(v *viper.Viper) {
	v.SetDefault("node.log_level", "info")
	v.SetDefault("consensus.block_time_ms", 60_000)
	v.SetDefault("consensus.proposal_timeout_ms", 10_000)
	v.SetDefault("consensus.voting_timeout_ms", 10_000)
	v.SetDefault("consensus.finalization_timeout_ms", 10_000)
	v.SetDefault("consensus.min_validators", 1)
	v.SetDefault("consensus.min_stake", 1_00000000)
	v.SetDefault("consensus.max_missed_blocks", 50)
	v.SetDefault("consensus.jail_duration_s", int64(24*time.Hour/time.Second))

	v.SetDefault("monetary.initial_block_reward", uint64(21*1e8))
	v.SetDefault("monetary.halving_interval", uint64(210_000))
	v.SetDefault("monetary.max_supply", uint64(21_000_000)*uint64(1e8))

	v.SetDefault("distribution.developer_reward", uint64(100*1e8))
	v.SetDefault("distribution.early_validator_reward", uint64(1*1e8))
	v.SetDefault("distribution.distribution_period_s", int64(14*24*time.Hour/time.Second))

	v.SetDefault("mempool.mempool_max_bytes", 300*1024*1024)
	v.SetDefault("mempool.tx_max_age_s", int64(3*24*time.Hour/time.Second))
	v.SetDefault("mempool.suspicious_tx_max_age_s", int64(1*time.Hour/time.Second))
	v.SetDefault("mempool.eviction_interval_s", 30)
	v.SetDefault("mempool.rbf_multiplier", 1.25)
	v.SetDefault("mempool.congestion_min_fee_rate", 1.0)
	v.SetDefault("mempool.target_size_percent", 0.9)
	v.SetDefault("mempool.min_age_for_eviction_s", 5)

	v.SetDefault("store.blocks_per_file", 50_000)
	v.SetDefault("store.sync_interval_ms", 5_000)
	v.SetDefault("store.reorg_limit", 100)
	v.SetDefault("store.checkpoint_interval", uint64(10_000))
	v.SetDefault("store.max_checkpoints", 10)
	v.SetDefault("store.prune_threshold", uint64(0))
}
