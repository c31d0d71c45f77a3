package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	// CommitteeSize is the target number of validators per shard committee.
	CommitteeSize uint32
	// BaseLayerConfirmations is how far behind the base-layer tip the scanner stays
	// so that reorgs near the tip are not observed.
	BaseLayerConfirmations uint64
	// PhaseTimeout bounds how long a leader waits for a payload phase to gather a QC
	// before the pacemaker rotates the leader.
	PhaseTimeout time.Duration
	// MaxOutputs is the node-wide cap on new substates a single payload may create.
	MaxOutputs uint32
}

type Node struct {
	DataDir      string
	ListenAddr   string
	Bootstrap    []string
	APIAddr      string
	IdentitySeed string
	LogFile      string
	// InMemory selects the in-memory store backends. Test/devnet only: nothing survives a restart.
	InMemory bool
	// ScanInterval is how often the base-layer scanner polls the tip.
	ScanInterval time.Duration
	// ResultTimeout is the default wait-for-result bound used by the API. Zero waits forever.
	ResultTimeout time.Duration
	// MempoolCapacity bounds pending payloads. Zero is unbounded.
	MempoolCapacity int
	Verbose         bool
}

// DevChain configures the in-process base layer used when no external base node is wired.
type DevChain struct {
	EpochLength        uint64
	RegistrationExpiry uint64
	BlockInterval      time.Duration
	// Validators are identity seeds registered at genesis.
	Validators []string
}

type Config struct {
	Consensus Consensus
	Node      Node
	DevChain  DevChain
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			CommitteeSize:          7,
			BaseLayerConfirmations: 3,
			PhaseTimeout:           2 * time.Second,
			MaxOutputs:             100,
		},
		Node: Node{
			DataDir:         "data",
			APIAddr:         ":8080",
			IdentitySeed:    "val1",
			LogFile:         "data/node.log",
			ScanInterval:    2 * time.Second,
			ResultTimeout:   30 * time.Second,
			MempoolCapacity: 10000,
		},
		DevChain: DevChain{
			EpochLength:        10,
			RegistrationExpiry: 100,
			BlockInterval:      time.Second,
			Validators:         []string{"val1"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Consensus.CommitteeSize = getUint32("CONSENSUS_COMMITTEE_SIZE", cfg.Consensus.CommitteeSize)
	cfg.Consensus.BaseLayerConfirmations = getUint64("CONSENSUS_BASE_LAYER_CONFIRMATIONS", cfg.Consensus.BaseLayerConfirmations)
	cfg.Consensus.PhaseTimeout = getMillis("CONSENSUS_PHASE_TIMEOUT_MS", cfg.Consensus.PhaseTimeout)
	cfg.Consensus.MaxOutputs = getUint32("CONSENSUS_MAX_OUTPUTS", cfg.Consensus.MaxOutputs)

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.IdentitySeed = getEnv("IDENTITY_SEED", cfg.Node.IdentitySeed)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.ScanInterval = getMillis("SCAN_INTERVAL_MS", cfg.Node.ScanInterval)
	cfg.Node.ResultTimeout = getMillis("RESULT_TIMEOUT_MS", cfg.Node.ResultTimeout)
	cfg.Node.MempoolCapacity = int(getUint64("MEMPOOL_CAPACITY", uint64(cfg.Node.MempoolCapacity)))
	if v := os.Getenv("IN_MEMORY"); v != "" {
		cfg.Node.InMemory = v == "true"
	}
	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Node.Verbose = v == "true"
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Node.Bootstrap = splitList(v)
	}

	cfg.DevChain.EpochLength = getUint64("DEVCHAIN_EPOCH_LENGTH", cfg.DevChain.EpochLength)
	cfg.DevChain.RegistrationExpiry = getUint64("DEVCHAIN_REGISTRATION_EXPIRY", cfg.DevChain.RegistrationExpiry)
	cfg.DevChain.BlockInterval = getMillis("DEVCHAIN_BLOCK_INTERVAL_MS", cfg.DevChain.BlockInterval)
	// Example: "val1,val2,val3,val4"
	if vals := os.Getenv("DEVCHAIN_VALIDATORS"); vals != "" {
		cfg.DevChain.Validators = splitList(vals)
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getUint64(key string, def uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getUint32(key string, def uint32) uint32 {
	return uint32(getUint64(key, uint64(def)))
}

func getMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
