package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/timecoin/timecoin/pkg/block"
	"github.com/timecoin/timecoin/pkg/chain"
	"github.com/timecoin/timecoin/pkg/finality"
	"github.com/timecoin/timecoin/pkg/governance"
	"github.com/timecoin/timecoin/pkg/logger"
	"github.com/timecoin/timecoin/pkg/masternode"
	"github.com/timecoin/timecoin/pkg/mempool"
	netpkg "github.com/timecoin/timecoin/pkg/net"
	"github.com/timecoin/timecoin/pkg/producer"
	"github.com/timecoin/timecoin/pkg/storage"
	syncpkg "github.com/timecoin/timecoin/pkg/sync"
)

var (
	configFile  string
	dataDir     string
	port        int
	nodeID      string
	genesisFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "timecoind",
		Short: "timecoind - TIME Coin masternode daemon",
		Long: `timecoind runs a TIME Coin masternode: one deterministic block per day,
instant transaction finality through masternode voting, and protocol-managed
treasury governance.`,
		RunE: runNode,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./timecoin.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "datadir", "./data", "data directory")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "network listen port (0 for random)")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node-id", "", "this node's masternode id")
	rootCmd.PersistentFlags().StringVar(&genesisFile, "genesis", "", "genesis document (dev genesis when empty)")

	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(proposalsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("timecoin")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("timecoin")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if viper.IsSet("datadir") && dataDir == "./data" {
		dataDir = viper.GetString("datadir")
	}
	if viper.IsSet("port") && port == 0 {
		port = viper.GetInt("port")
	}
	if viper.IsSet("node_id") && nodeID == "" {
		nodeID = viper.GetString("node_id")
	}
	return nil
}

func loadGenesis() (*block.Block, error) {
	if genesisFile == "" {
		return block.DevGenesis(), nil
	}
	data, err := os.ReadFile(genesisFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis file: %w", err)
	}
	return block.LoadGenesis(data)
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if nodeID == "" {
		return fmt.Errorf("--node-id is required")
	}

	log := logger.NewLogger(&logger.Config{
		Level:   logger.INFO,
		Prefix:  "timecoin",
		Output:  os.Stdout,
		TimeFmt: time.RFC3339,
		LogFile: viper.GetString("log_file"),
		MaxSize: 100 * 1024 * 1024,
	})
	log.Info("starting timecoind, node id %s", nodeID)

	critical, err := logger.OpenCriticalLog(filepath.Join(dataDir, "critical.log"))
	if err != nil {
		return err
	}
	defer critical.Close()

	store, err := storage.NewStore(&storage.Config{DataDir: filepath.Join(dataDir, "db")})
	if err != nil {
		return err
	}

	genesis, err := loadGenesis()
	if err != nil {
		return err
	}

	c, err := chain.NewChain(chain.DefaultConfig(), store, genesis, log)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetSignatureVerifier(&block.ECDSAVerifier{})
	c.SetCriticalLog(critical)

	pool := mempool.NewMempool(mempool.DefaultConfig())
	pool.SetUTXOView(c.UTXOSet())
	if data, err := store.LoadMempool(); err == nil {
		if restored, err := pool.Restore(data); err == nil {
			log.Info("restored %d mempool entries", restored)
		}
	}

	registry := masternode.NewRegistry(masternode.DefaultConfig())
	if data, err := store.LoadRegistry(); err == nil {
		registry.Restore(data)
	}

	treasury := governance.NewTreasury(governance.DefaultConfig())
	if data, err := store.LoadProposals(); err == nil {
		treasury.Restore(data)
	}
	c.SetGrantLedger(treasury)

	// The network and the finality engine reference each other: the engine
	// fans requests out through the network, the network dispatches inbound
	// requests back to the engine.
	var fin *finality.Engine
	var syncer *syncpkg.Manager

	handlers := &netpkg.Handlers{
		OnBlock: func(b *block.Block) {
			if syncer != nil && syncer.IsForkBlock(b) {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
					defer cancel()
					if err := syncer.ResolveFork(ctx); err != nil {
						log.Warn("fork resolution failed: %v", err)
					}
				}()
				return
			}
			if err := c.ApplyBlock(b); err != nil {
				if !errors.Is(err, chain.ErrBlockExists) {
					log.Warn("rejected announced block %d: %v", b.Header.BlockNumber, err)
				}
				return
			}
			if fin != nil {
				fin.ReleaseForBlock(b)
			}
		},
		OnTransaction: func(tx *block.Transaction) {
			if fin == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := fin.SubmitTransaction(ctx, tx); err != nil {
				log.Debug("relayed transaction %s not finalized: %v", tx.TxID, err)
			}
		},
		OnProposal: func(p *governance.Proposal) {
			treasury.AddProposal(p)
		},
		OnHeartbeat: func(hb *netpkg.Heartbeat, _ string) {
			registry.RecordHeartbeat(hb.MasternodeID, time.Now())
		},
		OnVoteRequest: func(tx *block.Transaction) *finality.VoteResponse {
			if fin == nil {
				return &finality.VoteResponse{VoterID: nodeID, TxID: tx.TxID}
			}
			return fin.HandleVoteRequest(nodeID, tx)
		},
		ChainInfo: func() *syncpkg.ChainInfo {
			return &syncpkg.ChainInfo{Height: c.Height(), TipHash: c.TipHash()}
		},
		BlockByHeight: func(height uint64) *block.Block {
			return c.GetBlockByHeight(height)
		},
	}

	network, err := netpkg.NewNetwork(&netpkg.Config{
		LocalID:           nodeID,
		ListenPort:        port,
		BootstrapPeers:    viper.GetStringSlice("bootstrap_peers"),
		EnableMDNS:        true,
		MaxPeers:          50,
		ConnectionTimeout: 30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}, handlers, log)
	if err != nil {
		return err
	}
	defer network.Close()

	fin = finality.NewEngine(finality.DefaultConfig(), c.UTXOSet(), registry, pool, network, log)
	syncer = syncpkg.NewManager(syncpkg.DefaultConfig(), c, registry, network, log)

	prodConfig := producer.DefaultConfig()
	prodConfig.LocalID = nodeID
	prod := producer.NewProducer(prodConfig, c, pool, registry, treasury, fin, network, log)
	prod.SetCatchUpper(syncer)
	prod.SetForkResolver(syncer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go prod.Run(ctx)
	go network.RunHeartbeats(ctx, c.Height)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := pool.CleanupStale(); removed > 0 {
					log.Info("swept %d stale mempool entries", removed)
				}
				treasury.TickDeadlines(time.Now())
			}
		}
	}()

	log.Info("node running at height %d (%s)", c.Height(), c.TipHash())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	cancel()
	if data, err := pool.Serialize(); err == nil {
		store.StoreMempool(data)
	}
	if data, err := registry.Serialize(); err == nil {
		store.StoreRegistry(data)
	}
	if data, err := treasury.Serialize(); err == nil {
		store.StoreProposals(data)
	}
	return nil
}

// parseAmount converts a decimal TIME amount to base units with integer
// arithmetic only.
func parseAmount(s string) (uint64, error) {
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	var frac uint64
	if len(parts) == 2 {
		digits := parts[1]
		if len(digits) > 8 {
			return 0, fmt.Errorf("amount %q exceeds 8 decimal places", s)
		}
		digits += strings.Repeat("0", 8-len(digits))
		frac, err = strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
	}
	return whole*block.BaseUnitsPerTime + frac, nil
}

func formatAmount(units uint64) string {
	return fmt.Sprintf("%d.%08d TIME", units/block.BaseUnitsPerTime, units%block.BaseUnitsPerTime)
}

func openReadOnly() (*chain.Chain, *storage.Store, error) {
	store, err := storage.NewStore(&storage.Config{DataDir: filepath.Join(dataDir, "db")})
	if err != nil {
		return nil, nil, err
	}
	genesis, err := loadGenesis()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	c, err := chain.NewChain(chain.DefaultConfig(), store, genesis, nil)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return c, store, nil
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Show the confirmed balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := block.ValidateAddress(args[0]); err != nil {
				return err
			}
			c, store, err := openReadOnly()
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("%s\n", formatAmount(c.GetBalance(args[0])))
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [to-address] [amount]",
		Short: "Validate and print a payment request (signing happens in the wallet)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := block.ValidateAddress(args[0]); err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if amount == 0 {
				return fmt.Errorf("amount must be positive")
			}
			fmt.Printf("send %s to %s\n", formatAmount(amount), args[0])
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show chain state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, store, err := openReadOnly()
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("height:    %d\n", c.Height())
			fmt.Printf("finalized: %d\n", c.FinalizedHeight())
			fmt.Printf("tip:       %s\n", c.TipHash())
			return nil
		},
	}
}

func proposalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proposals",
		Short: "List persisted treasury proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.NewStore(&storage.Config{DataDir: filepath.Join(dataDir, "db")})
			if err != nil {
				return err
			}
			defer store.Close()
			treasury := governance.NewTreasury(governance.DefaultConfig())
			if data, err := store.LoadProposals(); err == nil {
				if err := treasury.Restore(data); err != nil {
					return err
				}
			}
			for _, status := range []governance.ProposalStatus{
				governance.StatusActive, governance.StatusApproved,
				governance.StatusRejected, governance.StatusExecuted,
				governance.StatusExpired,
			} {
				for _, p := range treasury.ByStatus(status) {
					fmt.Printf("%-10s %s  %s -> %s\n", p.Status, p.ID,
						formatAmount(p.Amount), p.Recipient)
				}
			}
			return nil
		},
	}
}
