package baselayer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

var ErrBlockNotFound = errors.New("block not found")

type BlockHash [32]byte

func (h BlockHash) String() string               { return fmt.Sprintf("%x", h[:]) }
func (h BlockHash) MarshalText() ([]byte, error) { return []byte(hexutil.Encode(h[:])), nil }

func (h *BlockHash) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("block hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

// ConsensusConstants are the base-layer parameters that map block heights to
// epochs and bound how long a validator registration stays active.
type ConsensusConstants struct {
	EpochLength                     uint64 `json:"epoch_length"`
	ValidatorNodeRegistrationExpiry uint64 `json:"validator_node_registration_expiry"`
}

func (c ConsensusConstants) HeightToEpoch(height uint64) consensus.Epoch {
	if c.EpochLength == 0 {
		return 0
	}
	return consensus.Epoch(height / c.EpochLength)
}

func (c ConsensusConstants) EpochToHeight(e consensus.Epoch) uint64 {
	return uint64(e) * c.EpochLength
}

// ActiveRange returns the inclusive range of registration epochs whose
// validators are active in e. A registration for epoch r is active in
// [r, r+expiry).
func (c ConsensusConstants) ActiveRange(e consensus.Epoch) (consensus.Epoch, consensus.Epoch) {
	if c.ValidatorNodeRegistrationExpiry == 0 {
		return e, e
	}
	return e.SaturatingSub(c.ValidatorNodeRegistrationExpiry - 1), e
}

type BlockHeader struct {
	Height          uint64        `json:"height"`
	Hash            BlockHash     `json:"hash"`
	PrevHash        BlockHash     `json:"prev_hash"`
	ValidatorNodeMR hexutil.Bytes `json:"validator_node_mr"`
}

type TipInfo struct {
	HeightOfLongestChain uint64    `json:"height_of_longest_chain"`
	BestBlockHash        BlockHash `json:"best_block_hash"`
}

type ValidatorNodeRegistration struct {
	PublicKey hexutil.Bytes `json:"public_key"`
}

type Block struct {
	Header        BlockHeader                 `json:"header"`
	Registrations []ValidatorNodeRegistration `json:"registrations"`
}

// Client is the view of the base layer the validator node depends on.
// Responses are trusted as the source of truth for registrations and the
// height to epoch mapping.
type Client interface {
	GetTipInfo(ctx context.Context) (TipInfo, error)
	GetConsensusConstants(ctx context.Context, height uint64) (ConsensusConstants, error)
	GetHeaderByHash(ctx context.Context, hash BlockHash) (BlockHeader, error)
	GetBlock(ctx context.Context, height uint64) (Block, error)
	// GetShardKey returns the shard key assigned to publicKey by the
	// registration active at height, and false when there is none.
	GetShardKey(ctx context.Context, height uint64, publicKey []byte) (consensus.ShardId, bool, error)
}
