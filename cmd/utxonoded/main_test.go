package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/contrastlabs/utxonode/pkg/blockengine"
	"github.com/contrastlabs/utxonode/pkg/config"
)

func TestLoadViperWithNoConfigFileDoesNotError(t *testing.T) {
	configFile = ""
	v, err := loadViper()
	if err != nil {
		t.Fatalf("loadViper with no config file present: %v", err)
	}
	if v == nil {
		t.Fatal("expected a non-nil viper instance")
	}
}

func TestLoadFromViperReadsOverrides(t *testing.T) {
	v := viper.New()
	v.Set("consensus.target_block_time_ms", 5000)
	v.Set("mempool.max_size", 42)

	cfg := config.LoadFromViper(v, "1Validator0000000000")
	if cfg.TargetBlockTime != 5*time.Second {
		t.Fatalf("TargetBlockTime = %v, want 5s", cfg.TargetBlockTime)
	}
	if cfg.MempoolMaxSize != 42 {
		t.Fatalf("MempoolMaxSize = %d, want 42", cfg.MempoolMaxSize)
	}
}

// TestNodeConfigTranslatesToBlockEngineConfig repeats, field by field, the
// translation runNode performs from config.NodeConfig to
// blockengine.Config and checks that the result matches the engine's
// defaults. It exercises its own copy of that translation, not runNode's.
func TestNodeConfigTranslatesToBlockEngineConfig(t *testing.T) {
	nodeCfg := config.Default("1Validator0000000000")

	engineCfg := blockengine.Config{
		TargetBlockTimeMillis:     int64(nodeCfg.TargetBlockTime / time.Millisecond),
		MaxBlockSize:              nodeCfg.MaxBlockSize,
		BlocksBeforeAdjustment:    nodeCfg.BlocksBeforeAdjustment,
		ThresholdPerDiffIncrement: 3.2,
		HalvingInterval:           nodeCfg.HalvingInterval,
		MaxSupply:                 nodeCfg.MaxSupply,
		MinBlockReward:            nodeCfg.MinBlockReward,
		ValidatorAddress:          nodeCfg.ValidatorAddress,
	}

	want := blockengine.DefaultConfig("1Validator0000000000")
	if engineCfg != want {
		t.Fatalf("translated engine config = %+v, want %+v", engineCfg, want)
	}
}
