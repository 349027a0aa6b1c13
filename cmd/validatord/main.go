// Command validatord runs one node of the validator core: BlockManager,
// ChainController, BlockPublisher, and the Executor/Scheduler and
// MerkleState layers underneath them, wired to a pluggable consensus
// engine and an optional Postgres receipt index.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certenlabs/ledgervalidator/pkg/blockmgr"
	"github.com/certenlabs/ledgervalidator/pkg/blockstore"
	"github.com/certenlabs/ledgervalidator/pkg/chain"
	"github.com/certenlabs/ledgervalidator/pkg/config"
	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/consensus/devmode"
	"github.com/certenlabs/ledgervalidator/pkg/consensus/remote"
	"github.com/certenlabs/ledgervalidator/pkg/cryptoutil"
	"github.com/certenlabs/ledgervalidator/pkg/execution"
	"github.com/certenlabs/ledgervalidator/pkg/kvstore"
	"github.com/certenlabs/ledgervalidator/pkg/ledgertypes"
	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"github.com/certenlabs/ledgervalidator/pkg/procregistry"
	"github.com/certenlabs/ledgervalidator/pkg/publisher"
	"github.com/certenlabs/ledgervalidator/pkg/receipts"
	"github.com/certenlabs/ledgervalidator/pkg/state"
	"github.com/certenlabs/ledgervalidator/pkg/validator"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configFile  = flag.String("config", "", "Path to a YAML configuration manifest (settings it sets override the matching environment variables)")
		validatorID = flag.String("validator-id", "", "Validator ID (overrides VALIDATOR_ID env var / config file value)")
		showHelp    = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *validatorID != "" {
		cfg.ValidatorID = *validatorID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("starting validator %s", cfg.ValidatorID)

	signer, err := loadOrGenerateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	log.Printf("signing key ready: %x...", signer.PublicKey()[:8])

	var db kvstore.DB
	if cfg.DataDir == "" {
		log.Printf("DATA_DIR not set, using an in-memory store (state does not survive restart)")
		db = kvstore.OpenMemory()
	} else {
		db, err = kvstore.Open("ledgervalidator", cfg.DataDir)
		if err != nil {
			log.Fatalf("open data directory %s: %v", cfg.DataDir, err)
		}
	}

	st := state.New(db)
	store := blockstore.New(db)
	blockMgr := blockmgr.New(store)

	head, err := bootstrapGenesis(store, blockMgr, signer)
	if err != nil {
		log.Fatalf("bootstrap genesis: %v", err)
	}
	log.Printf("chain head at startup: %s", head)

	procCfg := procregistry.DefaultConfig()
	procCfg.HeartbeatInterval = cfg.HeartbeatInterval
	procCfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	registry := procregistry.New(procCfg)
	defer registry.Stop()

	var engine consensus.Engine
	switch cfg.ConsensusMode {
	case "remote":
		conn, err := dialRemoteConsensus(cfg.ConsensusRemoteAddr)
		if err != nil {
			log.Fatalf("dial remote consensus engine at %s: %v", cfg.ConsensusRemoteAddr, err)
		}
		remoteEngine := remote.New(conn)
		defer remoteEngine.Close()
		engine = remoteEngine
	default:
		log.Printf("running with the in-process devmode consensus engine")
		engine = devmode.New()
	}

	execCfg := execution.ExecutorConfig{MaxRetries: cfg.ProcessorMaxRetries, DispatchTimeout: cfg.ProcessorDispatchTimeout}

	v := validator.New(st, store, blockMgr, registry, engine, cfg.SchedulerTimeout, execCfg)
	pool := validator.NewPool(v, cfg.ValidatorPoolConcurrency)

	ctrl := chain.New(blockMgr, store, engine, pool, head)

	m := metrics.New()
	pool.SetMetrics(m)
	ctrl.SetMetrics(m)

	if cfg.DatabaseURL != "" {
		store, err := receipts.NewStore(cfg.DatabaseURL, receipts.DefaultStoreConfig())
		if err != nil {
			if cfg.DatabaseRequired {
				log.Fatalf("receipt index REQUIRED but failed to connect: %v", err)
			}
			log.Printf("receipt index disabled: %v", err)
		} else {
			if err := store.MigrateUp(context.Background()); err != nil {
				log.Printf("receipt index migration failed: %v", err)
			}
			defer store.Close()
			ctrl.SetReceipts(store)
			log.Printf("receipt index connected")
		}
	} else if cfg.DatabaseRequired {
		log.Fatalf("DATABASE_URL required but not set")
	}

	if cfg.ConsensusMode == "remote" {
		go func() {
			if err := remote.ServeCallbacks(cfg.ConsensusCallbackAddr, ctrl); err != nil {
				log.Printf("consensus callback listener stopped: %v", err)
			}
		}()
	}

	mempool := publisher.NewMempool(publisher.MempoolConfig{TTL: cfg.MempoolTTL, HighWaterMark: cfg.MempoolHighWaterMark})
	defer mempool.Stop()
	ctrl.SetMempool(mempool)

	pubCfg := publisher.Config{MaxBatches: cfg.BlockMaxBatches, TimeBudget: cfg.BlockTimeBudget, GraceWindow: cfg.BlockGraceWindow}
	pub := publisher.New(mempool, st, blockMgr, store, engine, registry, ctrl, nil, signer, pubCfg, execCfg)
	pub.SetMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	go runAssemblyLoop(ctx, ctrl, pub)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		head, err := ctrl.ChainHead()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "chain controller unavailable: %v", err)
			return
		}
		fmt.Fprintf(w, "ok chain_head=%s mempool_depth=%d\n", head, mempool.Len())
	})

	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		log.Printf("health endpoint listening on %s", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server: %v", err)
		}
	}()
	if cfg.MetricsAddr != cfg.HealthAddr {
		go func() {
			log.Printf("metrics endpoint listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	log.Printf("validator %s ready", cfg.ValidatorID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	cancel()
	ctrl.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)
	if cfg.MetricsAddr != cfg.HealthAddr {
		metricsServer.Shutdown(shutdownCtx)
	}

	log.Printf("validator %s stopped", cfg.ValidatorID)
}

// runAssemblyLoop repeatedly assembles and submits candidate blocks against
// the current chain head, backing off briefly on error so a persistently
// failing consensus engine or mempool starvation does not spin the loop.
func runAssemblyLoop(ctx context.Context, ctrl *chain.Controller, pub *publisher.Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := ctrl.ChainHead()
		if err != nil {
			return
		}
		block, err := pub.AssembleAndPublish(ctx, head)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[AssemblyLoop] assemble block on %s: %v", head, err)
			time.Sleep(time.Second)
			continue
		}
		if err := ctrl.SubmitBlock(ctx, block, true); err != nil {
			log.Printf("[AssemblyLoop] submit block %s: %v", block.ID(), err)
		}
	}
}

// bootstrapGenesis returns the existing chain head if store already has
// one, or creates and commits a genesis block (block number zero, empty
// state root) otherwise.
func bootstrapGenesis(store *blockstore.BlockStore, blockMgr *blockmgr.Manager, signer *cryptoutil.PrivateKey) (string, error) {
	head, err := store.ChainHead()
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	if head != "" {
		return head, nil
	}

	header := ledgertypes.BlockHeader{
		PreviousBlockID: ledgertypes.GenesisPreviousID,
		BlockNum:        0,
		SignerPubKey:    signer.PublicKey(),
		StateRootHash:   state.EmptyRoot,
	}
	genesis, err := ledgertypes.SignBlock(header, nil, signer)
	if err != nil {
		return "", fmt.Errorf("sign genesis block: %w", err)
	}
	if err := blockMgr.Put(genesis); err != nil {
		return "", fmt.Errorf("register genesis block: %w", err)
	}
	if err := blockMgr.SetStatus(genesis.ID(), ledgertypes.StatusCommitted); err != nil {
		return "", fmt.Errorf("mark genesis committed: %w", err)
	}
	if err := store.Put(genesis); err != nil {
		return "", fmt.Errorf("persist genesis block: %w", err)
	}
	if err := store.UpdateChainHead("", genesis.ID()); err != nil {
		return "", fmt.Errorf("set genesis as chain head: %w", err)
	}
	return genesis.ID(), nil
}

// loadOrGenerateSigningKey loads the validator's secp256k1 signing key from
// keyPath (hex-encoded 32-byte scalar), generating and persisting a new one
// if the file does not yet exist.
func loadOrGenerateSigningKey(keyPath string) (*cryptoutil.PrivateKey, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("signing key path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		key, err := cryptoutil.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key.Bytes())), 0600); err != nil {
			return nil, fmt.Errorf("save key to %s: %w", keyPath, err)
		}
		log.Printf("generated new signing key at %s", keyPath)
		return key, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key from %s: %w", keyPath, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key from %s: %w", keyPath, err)
	}
	return cryptoutil.PrivateKeyFromBytes(raw)
}

// dialRemoteConsensus opens the outbound connection the core drives the
// remote consensus engine over. Separate from remote.ServeCallbacks, which
// listens for that engine's own notifications back to the core.
func dialRemoteConsensus(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 10*time.Second)
}
