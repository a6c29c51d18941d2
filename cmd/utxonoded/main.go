// Command utxonoded runs a single node: it assembles storage, the UTXO
// chain, the mempool, the node core's job-queue scheduler, and the
// optional miner/API/monitoring/P2P collaborators from one configuration
// file, then serves until interrupted.
//
// P2P transport itself is an external module; this command wires the
// node core to pkg/p2p's publish-only adapter and nothing more.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/contrastlabs/utxonode/pkg/api"
	"github.com/contrastlabs/utxonode/pkg/blockengine"
	"github.com/contrastlabs/utxonode/pkg/chain"
	"github.com/contrastlabs/utxonode/pkg/config"
	"github.com/contrastlabs/utxonode/pkg/logger"
	"github.com/contrastlabs/utxonode/pkg/mempool"
	"github.com/contrastlabs/utxonode/pkg/miner"
	"github.com/contrastlabs/utxonode/pkg/monitoring"
	"github.com/contrastlabs/utxonode/pkg/node"
	"github.com/contrastlabs/utxonode/pkg/p2p"
	"github.com/contrastlabs/utxonode/pkg/storage"
	"github.com/contrastlabs/utxonode/pkg/wallet"
)

var (
	configFile       string
	validatorAddress string
	mining           bool
	listenPort       int
	dataDir          string
	inMemoryStorage  bool
	walletFile       string
	passphrase       string
	apiAddr          string
	apiEnabled       bool
	monitoringAddr   string
	monitoringOn     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "utxonoded",
		Short: "utxonoded runs a UTXO blockchain node",
		Long: `utxonoded assembles storage, chain, mempool, and the node core's
single-writer scheduler into one running node, with an optional miner,
read-only HTTP API, and Prometheus monitoring surface.`,
		RunE: runNode,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&validatorAddress, "validator-address", "", "address credited candidate fees and block rewards (default: derived from the node wallet)")
	rootCmd.PersistentFlags().BoolVar(&mining, "mining", false, "enable the in-process miner")
	rootCmd.PersistentFlags().IntVar(&listenPort, "listen-port", 0, "P2P listen port (0 for random)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "LevelDB data directory")
	rootCmd.PersistentFlags().BoolVar(&inMemoryStorage, "in-memory", false, "use an in-memory store instead of LevelDB (testing only)")
	rootCmd.PersistentFlags().StringVar(&walletFile, "wallet-file", "wallet.dat", "path to the node's encrypted wallet file")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "passphrase protecting the wallet file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", ":8080", "read-only HTTP API listen address")
	rootCmd.PersistentFlags().BoolVar(&apiEnabled, "api", true, "serve the read-only HTTP API")
	rootCmd.PersistentFlags().StringVar(&monitoringAddr, "monitoring-addr", ":9090", "Prometheus /metrics and /health listen address")
	rootCmd.PersistentFlags().BoolVar(&monitoringOn, "monitoring", true, "serve Prometheus metrics")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadViper() (*viper.Viper, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setupLogger() *logger.Logger {
	cfg := logger.DefaultConfig()
	cfg.Prefix = "utxonoded"
	return logger.NewLogger(cfg)
}

func runNode(cmd *cobra.Command, args []string) error {
	v, err := loadViper()
	if err != nil {
		return err
	}

	log := setupLogger()

	nodeWallet := wallet.New(wallet.Config{WalletFile: walletFile, Passphrase: passphrase})
	if err := nodeWallet.Load(); err != nil {
		log.Warn("wallet: starting empty, could not load %s: %v", walletFile, err)
	}

	if validatorAddress == "" {
		if accounts := nodeWallet.Accounts(); len(accounts) > 0 {
			validatorAddress = accounts[0].Address
		} else {
			account, err := nodeWallet.Generate()
			if err != nil {
				return fmt.Errorf("generate validator account: %w", err)
			}
			validatorAddress = account.Address
			if err := nodeWallet.Save(); err != nil {
				log.Warn("wallet: failed to persist generated account: %v", err)
			}
			log.Info("generated a new validator address: %s", validatorAddress)
		}
	}

	nodeCfg := config.LoadFromViper(v, validatorAddress)
	nodeCfg.Network.ListenPort = listenPort
	nodeCfg.Storage.DataDir = dataDir
	nodeCfg.Storage.InMemory = inMemoryStorage
	nodeCfg.Wallet.WalletFile = walletFile
	nodeCfg.Wallet.Passphrase = passphrase

	log.Info("starting utxonoded")
	log.Info("validator address: %s", nodeCfg.ValidatorAddress)

	var store storage.Interface
	if nodeCfg.Storage.InMemory {
		store = storage.NewMemory()
	} else {
		lvlCfg := storage.DefaultConfig(nodeCfg.Storage.DataDir)
		lvlCfg.Compression = nodeCfg.Storage.Compression
		store, err = storage.NewLevelDBStorage(lvlCfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
	}
	defer store.Close()

	engine := blockengine.New(blockengine.Config{
		TargetBlockTimeMillis:     int64(nodeCfg.TargetBlockTime / time.Millisecond),
		MaxBlockSize:              nodeCfg.MaxBlockSize,
		BlocksBeforeAdjustment:    nodeCfg.BlocksBeforeAdjustment,
		ThresholdPerDiffIncrement: 3.2,
		HalvingInterval:           nodeCfg.HalvingInterval,
		MaxSupply:                 nodeCfg.MaxSupply,
		MinBlockReward:            nodeCfg.MinBlockReward,
		ValidatorAddress:          nodeCfg.ValidatorAddress,
	})

	ledger, err := chain.New(engine, store)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	defer ledger.Close()

	mp := mempool.New(mempool.Config{
		MaxSize:        nodeCfg.MempoolMaxSize,
		ExpirationTime: nodeCfg.MempoolExpirationTime,
		MaxBytes:       nodeCfg.MaxBlockSize * 50,
	})

	core := node.New(ledger, mp, engine, log.WithComponent("node"))
	go core.Run()
	defer core.Close()

	var p2pPublisher *p2p.Publisher
	p2pPublisher, err = p2p.New(p2p.Config{
		ListenPort:  nodeCfg.Network.ListenPort,
		ListenAddrs: nodeCfg.Network.ListenAddrs,
	})
	if err != nil {
		log.Warn("p2p: failed to start publisher, continuing without it: %v", err)
		p2pPublisher = nil
	} else {
		defer p2pPublisher.Close()
		log.Info("p2p: publishing on listen port %d", nodeCfg.Network.ListenPort)
	}

	var monitoringService *monitoring.Service
	if monitoringOn {
		monitoringCfg := monitoring.DefaultConfig()
		monitoringCfg.Addr = monitoringAddr
		monitoringService = monitoring.New(monitoringCfg, ledger, mp, core, log.WithComponent("monitoring"))
		if err := monitoringService.Start(); err != nil {
			log.Error("monitoring: failed to start: %v", err)
			monitoringService = nil
		} else {
			log.Info("monitoring listening on %s", monitoringAddr)
			defer monitoringService.Stop()
		}
	}

	var apiServer *api.Server
	if apiEnabled {
		apiServer = api.New(api.Config{
			Addr:       apiAddr,
			Chain:      ledger,
			UTXO:       ledger.UTXOSet,
			Mempool:    mp,
			Candidates: core,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("api: %v", err)
			}
		}()
		log.Info("api listening on %s", apiAddr)
		defer apiServer.Close()
	}

	var nodeMiner *miner.Miner
	if mining {
		minerCfg := miner.DefaultConfig()
		nodeMiner = miner.New(core, engine, minerCfg, log.WithComponent("miner"))
		if err := nodeMiner.Start(); err != nil {
			log.Error("miner: failed to start: %v", err)
			nodeMiner = nil
		} else {
			log.Info("mining enabled")
			defer nodeMiner.Stop()
		}
	}

	statusDone := make(chan struct{})
	go statusLoop(log, core, ledger, mp, p2pPublisher, statusDone)
	defer close(statusDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	return nil
}

// statusLoop periodically logs a one-line health summary.
func statusLoop(log *logger.Logger, core *node.Core, ledger *chain.Chain, mp *mempool.Mempool, pub *p2p.Publisher, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			peers := 0
			if pub != nil {
				peers = pub.PeerCount()
			}
			log.Info("status: height=%d peers=%d mempool=%d queue=%d",
				ledger.Height(), peers, mp.Len(), core.QueueDepth())
		}
	}
}
