// Package config collects every tunable the node needs into one value
// passed at construction. Nothing in the node reads process-global
// state: the flags and file keys land here as typed fields instead of
// package-level vars read ad hoc from viper.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// NodeConfig holds the consensus and mempool tunables plus the
// sub-configs the storage/network/wallet layers need. It is the single
// value threaded through node/chain/mempool/blockengine construction.
type NodeConfig struct {
	// Consensus / block-engine tunables.
	TargetBlockTime        time.Duration
	MaxBlockSize           uint64
	BlocksBeforeAdjustment uint64
	HalvingInterval        uint64
	MaxSupply              uint64
	MinBlockReward         uint64

	// Mempool tunables.
	MempoolMaxSize        int
	MempoolExpirationTime time.Duration

	// This node's validator address, paid each candidate's collected fees
	// via the validator-reward transaction.
	ValidatorAddress string

	Storage StorageConfig
	Network NetworkConfig
	Wallet  WalletConfig
}

// StorageConfig configures the persistent KV engine.
type StorageConfig struct {
	DataDir     string
	InMemory    bool // tests: skip LevelDB entirely
	Compression bool
}

// NetworkConfig configures the publish-only P2P adapter.
type NetworkConfig struct {
	ListenPort  int
	ListenAddrs []string // explicit listen multiaddrs, overriding ListenPort
	Rendezvous  string
}

// WalletConfig configures the node-local signing wallet. The node never
// persists private keys itself; this only points at where an
// operator-managed encrypted wallet file lives.
type WalletConfig struct {
	WalletFile string
	Passphrase string
}

// Default returns the stock configuration, parameterised by the
// validator address the node's candidates pay fees to.
func Default(validatorAddress string) NodeConfig {
	return NodeConfig{
		TargetBlockTime:        10_000 * time.Millisecond,
		MaxBlockSize:           200_000,
		BlocksBeforeAdjustment: 30,
		HalvingInterval:        262_980,
		MaxSupply:              27_000_000_000_000,
		MinBlockReward:         1,
		MempoolMaxSize:         5_000,
		MempoolExpirationTime:  24 * time.Hour,
		ValidatorAddress:       validatorAddress,
		Storage: StorageConfig{
			DataDir:     "./data",
			Compression: true,
		},
		Network: NetworkConfig{
			ListenPort: 0,
			Rendezvous: "utxonode/1.0.0",
		},
		Wallet: WalletConfig{
			WalletFile: "wallet.dat",
		},
	}
}

// LoadFromViper overlays any keys present in v onto a Default config.
func LoadFromViper(v *viper.Viper, validatorAddress string) NodeConfig {
	cfg := Default(validatorAddress)

	if v.IsSet("consensus.target_block_time_ms") {
		cfg.TargetBlockTime = time.Duration(v.GetInt64("consensus.target_block_time_ms")) * time.Millisecond
	}
	if v.IsSet("consensus.max_block_size") {
		cfg.MaxBlockSize = uint64(v.GetInt64("consensus.max_block_size"))
	}
	if v.IsSet("consensus.blocks_before_adjustment") {
		cfg.BlocksBeforeAdjustment = uint64(v.GetInt64("consensus.blocks_before_adjustment"))
	}
	if v.IsSet("consensus.halving_interval") {
		cfg.HalvingInterval = uint64(v.GetInt64("consensus.halving_interval"))
	}
	if v.IsSet("consensus.max_supply") {
		cfg.MaxSupply = uint64(v.GetInt64("consensus.max_supply"))
	}
	if v.IsSet("mempool.max_size") {
		cfg.MempoolMaxSize = v.GetInt("mempool.max_size")
	}
	if v.IsSet("mempool.expiration_time") {
		cfg.MempoolExpirationTime = v.GetDuration("mempool.expiration_time")
	}
	if v.IsSet("storage.data_dir") {
		cfg.Storage.DataDir = v.GetString("storage.data_dir")
	}
	if v.IsSet("storage.in_memory") {
		cfg.Storage.InMemory = v.GetBool("storage.in_memory")
	}
	if v.IsSet("network.listen_port") {
		cfg.Network.ListenPort = v.GetInt("network.listen_port")
	}
	if v.IsSet("network.listen_addrs") {
		cfg.Network.ListenAddrs = v.GetStringSlice("network.listen_addrs")
	}
	if v.IsSet("wallet.file") {
		cfg.Wallet.WalletFile = v.GetString("wallet.file")
	}
	if v.IsSet("wallet.passphrase") {
		cfg.Wallet.Passphrase = v.GetString("wallet.passphrase")
	}
	return cfg
}
