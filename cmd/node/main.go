package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/params"
	"github.com/uhyunpark/shardbft/pkg/api"
	"github.com/uhyunpark/shardbft/pkg/baselayer"
	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/crypto"
	"github.com/uhyunpark/shardbft/pkg/dryrun"
	"github.com/uhyunpark/shardbft/pkg/epoch"
	"github.com/uhyunpark/shardbft/pkg/execution"
	"github.com/uhyunpark/shardbft/pkg/mempool"
	"github.com/uhyunpark/shardbft/pkg/node"
	"github.com/uhyunpark/shardbft/pkg/p2p"
	"github.com/uhyunpark/shardbft/pkg/storage"
	"github.com/uhyunpark/shardbft/pkg/transaction"
	"github.com/uhyunpark/shardbft/pkg/util"
)

type (
	addr    = crypto.PublicKey
	payload = transaction.Payload
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Identity ----
	key, err := crypto.NewKeyPairFromSeed([]byte(cfg.Node.IdentitySeed))
	if err != nil {
		return err
	}
	self := key.PublicKey()

	// ---- Storage ----
	var (
		store    consensus.ShardStore[addr, payload]
		globalDB storage.GlobalDB
		wal      consensus.WAL = storage.NewNopWAL()
	)
	if cfg.Node.InMemory {
		store = storage.NewMemoryShardStore[addr, payload]()
		globalDB = storage.NewMemoryGlobalDB()
	} else {
		shards, err := storage.NewPebbleShardStore[addr, payload](filepath.Join(cfg.Node.DataDir, "shards"))
		if err != nil {
			return err
		}
		defer shards.Close()
		global, err := storage.NewPebbleGlobalDB(filepath.Join(cfg.Node.DataDir, "global"))
		if err != nil {
			return err
		}
		defer global.Close()
		fileWAL, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "hotstuff.wal"))
		if err != nil {
			return err
		}
		defer fileWAL.Close()
		store, globalDB, wal = shards, global, fileWAL
	}

	// ---- Base layer (in-process dev chain) ----
	var genesis [][]byte
	for _, seed := range cfg.DevChain.Validators {
		vk, err := crypto.NewKeyPairFromSeed([]byte(seed))
		if err != nil {
			return err
		}
		genesis = append(genesis, vk.PublicKey().Bytes())
	}
	chain := baselayer.NewDevChain(baselayer.ConsensusConstants{
		EpochLength:                     cfg.DevChain.EpochLength,
		ValidatorNodeRegistrationExpiry: cfg.DevChain.RegistrationExpiry,
	}, genesis)
	chain.Logger = sugar

	// ---- Epochs ----
	epochs := epoch.NewManager[addr](epoch.Config{
		CommitteeSize:          cfg.Consensus.CommitteeSize,
		BaseLayerConfirmations: cfg.Consensus.BaseLayerConfirmations,
	}, globalDB, chain, self, crypto.PublicKeyFromBytes)
	epochs.Logger = sugar
	if err := epochs.LoadInitialState(); err != nil {
		return err
	}
	scanner := baselayer.NewScanner(chain, epochs, globalDB, cfg.Consensus.BaseLayerConfirmations, cfg.Node.ScanInterval)
	scanner.Logger = sugar

	// ---- Network ----
	net, err := p2p.NewLibp2pNet[addr, payload](ctx, p2p.Libp2pConfig[addr]{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Self:       self,
		Logger:     sugar,
	})
	if err != nil {
		return err
	}
	defer net.Close()
	sugar.Infow("libp2p_addrs", "addrs", net.Addrs())

	// ---- Consensus ----
	processor := execution.NewProcessor[payload](sugar)
	engine := consensus.NewEngine[addr, payload](
		self,
		store,
		epochs,
		net,
		processor,
		crypto.NewBLSSignatureService(key),
		consensus.NewPacemaker(cfg.Consensus.PhaseTimeout, util.RealClock{}),
	)
	engine.Logger = sugar
	engine.VerboseLogging = cfg.Node.Verbose
	engine.Metrics = consensus.NewMetrics(prometheus.DefaultRegisterer)
	engine.WAL = wal
	net.SetInbound(engine.Inbound())

	// ---- Mempool, dry run, results ----
	pool := mempool.NewPool[payload](cfg.Consensus.MaxOutputs, cfg.Node.MempoolCapacity)
	dry := dryrun.NewProcessor[addr, payload](store, processor)
	dry.Epochs = epochs
	dry.Self = self
	dry.Logger = sugar
	waiter := node.NewWaiter(engine.Events)
	waiter.Shards = node.PayloadShards[addr, payload]{Store: store, Epochs: epochs, Self: self}
	waiter.Logger = sugar

	// ---- API Server ----
	apiServer := api.NewServer[addr](self, epochs, pool, dry, waiter, sugar)
	apiServer.Events = engine.Events
	apiServer.EpochEvents = epochs.Events
	apiServer.ResultTimeout = cfg.Node.ResultTimeout

	n := node.New(engine, pool)
	n.Committees = epochs
	n.Network = net
	n.Logger = sugar
	n.Services = []node.Service{
		{Name: "devchain", Run: func(ctx context.Context) error { return chain.Run(ctx, cfg.DevChain.BlockInterval) }},
		{Name: "scanner", Run: scanner.Run},
		{Name: "results", Run: waiter.Run},
		{Name: "api", Run: func(ctx context.Context) error { return apiServer.Run(ctx, cfg.Node.APIAddr) }},
	}

	sugar.Infow("node_starting",
		"identity", self.String(),
		"committee_size", cfg.Consensus.CommitteeSize,
		"genesis_validators", len(genesis),
		"in_memory", cfg.Node.InMemory,
		"api_addr", cfg.Node.APIAddr)
	return n.Start(ctx)
}
