package epoch

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

var (
	// ErrBaseLayerConsensusConstantsNotSet means the scanner has not synced
	// the base layer yet. Callers retry on the next cycle.
	ErrBaseLayerConsensusConstantsNotSet = errors.New("base layer consensus constants not set")
	ErrNoEpochFound                      = errors.New("no epoch found")
	ErrInvalidCommitteeSize              = errors.New("committee size must be positive")
)

type ShardKeyNotFoundError struct {
	PublicKey   []byte
	BlockHeight uint64
}

func (e *ShardKeyNotFoundError) Error() string {
	return fmt.Sprintf("shard key not found for %x at height %d", e.PublicKey, e.BlockHeight)
}

type NoCommitteeVnsError struct {
	Epoch consensus.Epoch
	Shard consensus.ShardId
}

func (e *NoCommitteeVnsError) Error() string {
	return fmt.Sprintf("no committee validators for shard %s in epoch %d", e.Shard, e.Epoch)
}

// IsRetryable reports whether err is a precondition that clears once the
// base layer has been scanned further.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBaseLayerConsensusConstantsNotSet)
}
