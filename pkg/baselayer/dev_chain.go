package baselayer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/util"
)

type devRegistration struct {
	publicKey []byte
	epoch     consensus.Epoch
	height    uint64
	shardKey  consensus.ShardId
}

// DevChain is an in-process base layer for devnets and tests. Blocks are
// mined on demand (MineBlock) or on a timer (Run); registrations submitted
// with Register land in the next block and take effect the epoch after it.
type DevChain struct {
	Logger *zap.SugaredLogger

	mu        sync.RWMutex
	constants ConsensusConstants
	blocks    []Block
	byHash    map[BlockHash]int
	pending   []ValidatorNodeRegistration
	regs      []devRegistration
}

// NewDevChain mines a genesis block registering the given validators.
func NewDevChain(constants ConsensusConstants, genesisValidators [][]byte) *DevChain {
	c := &DevChain{
		constants: constants,
		byHash:    make(map[BlockHash]int),
	}
	for _, pk := range genesisValidators {
		c.Register(pk)
	}
	c.MineBlock()
	return c
}

// DevShardKey derives the shard key the dev chain assigns to publicKey for
// the epoch starting at epochHeight.
func DevShardKey(publicKey []byte, epochHeight uint64) consensus.ShardId {
	var h [8]byte
	binary.LittleEndian.PutUint64(h[:], epochHeight)
	var out consensus.ShardId
	copy(out[:], crypto.Keccak256(publicKey, h[:]))
	return out
}

func (c *DevChain) Register(publicKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, ValidatorNodeRegistration{PublicKey: append([]byte(nil), publicKey...)})
}

func (c *DevChain) MineBlock() Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	height := uint64(len(c.blocks))
	var prev BlockHash
	if height > 0 {
		prev = c.blocks[height-1].Header.Hash
	}
	regs := c.pending
	c.pending = nil
	next := c.constants.HeightToEpoch(height) + 1
	for _, r := range regs {
		c.regs = append(c.regs, devRegistration{
			publicKey: r.PublicKey,
			epoch:     next,
			height:    height,
			shardKey:  DevShardKey(r.PublicKey, c.constants.EpochToHeight(next)),
		})
	}

	mr := c.merkleRootLocked(c.constants.HeightToEpoch(height))
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	parts := [][]byte{prev[:], hb[:], mr[:]}
	for _, r := range regs {
		parts = append(parts, r.PublicKey)
	}
	var hash BlockHash
	copy(hash[:], crypto.Keccak256(parts...))

	b := Block{
		Header: BlockHeader{
			Height:          height,
			Hash:            hash,
			PrevHash:        prev,
			ValidatorNodeMR: mr[:],
		},
		Registrations: regs,
	}
	c.blocks = append(c.blocks, b)
	c.byHash[hash] = int(height)
	return b
}

// merkleRootLocked commits to the validators active in e, latest registration
// per key, ordered by shard key then public key.
func (c *DevChain) merkleRootLocked(e consensus.Epoch) [32]byte {
	start, end := c.constants.ActiveRange(e)
	latest := make(map[string]devRegistration)
	for _, r := range c.regs {
		if r.epoch < start || r.epoch > end {
			continue
		}
		if cur, ok := latest[string(r.publicKey)]; !ok || r.epoch >= cur.epoch {
			latest[string(r.publicKey)] = r
		}
	}
	active := make([]devRegistration, 0, len(latest))
	for _, r := range latest {
		active = append(active, r)
	}
	sort.Slice(active, func(i, j int) bool {
		if cmp := active[i].shardKey.Compare(active[j].shardKey); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(active[i].publicKey, active[j].publicKey) < 0
	})
	leaves := make([][32]byte, len(active))
	for i, r := range active {
		leaves[i] = ValidatorNodeLeaf(r.publicKey, r.shardKey)
	}
	return ValidatorNodeMerkleRoot(leaves)
}

// Run mines a block every interval until ctx is cancelled.
func (c *DevChain) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b := c.MineBlock()
			if len(b.Registrations) > 0 {
				util.OrNop(c.Logger).Infow("devchain_block", "height", b.Header.Height, "registrations", len(b.Registrations))
			}
		}
	}
}

func (c *DevChain) GetTipInfo(_ context.Context) (TipInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tip := c.blocks[len(c.blocks)-1].Header
	return TipInfo{HeightOfLongestChain: tip.Height, BestBlockHash: tip.Hash}, nil
}

func (c *DevChain) GetConsensusConstants(_ context.Context, _ uint64) (ConsensusConstants, error) {
	return c.constants, nil
}

func (c *DevChain) GetHeaderByHash(_ context.Context, hash BlockHash) (BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byHash[hash]
	if !ok {
		return BlockHeader{}, fmt.Errorf("%w: hash %s", ErrBlockNotFound, hash)
	}
	return c.blocks[i].Header, nil
}

func (c *DevChain) GetBlock(_ context.Context, height uint64) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.blocks)) {
		return Block{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return c.blocks[height], nil
}

func (c *DevChain) GetShardKey(_ context.Context, height uint64, publicKey []byte) (consensus.ShardId, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.regs) - 1; i >= 0; i-- {
		r := c.regs[i]
		if r.height <= height && bytes.Equal(r.publicKey, publicKey) {
			return DevShardKey(publicKey, c.constants.EpochToHeight(c.constants.HeightToEpoch(height))), true, nil
		}
	}
	return consensus.ShardId{}, false, nil
}
