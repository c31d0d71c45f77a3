package storage

import (
	"fmt"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

func newPledge(shard consensus.ShardId, entry objectEntry, payload consensus.PayloadId, currentHeight consensus.NodeHeight) consensus.ObjectPledge {
	return consensus.ObjectPledge{
		ShardId:          shard,
		CurrentState:     entry.currentState(),
		PledgedToPayload: payload,
		PledgedUntil:     currentHeight + consensus.PledgeValidHeights,
	}
}

func applySubstateChange(
	entry objectEntry,
	shard consensus.ShardId,
	next consensus.SubstateState,
	node consensus.TreeNodeHash,
	height consensus.NodeHeight,
	payload consensus.PayloadId,
) (objectEntry, error) {
	if err := entry.currentState().Transition(next); err != nil {
		return entry, fmt.Errorf("shard %s: %w", shard, err)
	}
	entry.HasSubstate = true
	entry.Substate = consensus.SubstateShardData{
		ShardId:   shard,
		Substate:  next,
		NodeHash:  node,
		Height:    height,
		PayloadId: payload,
	}
	return entry, nil
}

// insertSubstate accepts any state for an unknown shard, as synced rows may
// already be Down. Known shards must transition validly.
func insertSubstate(entry objectEntry, data consensus.SubstateShardData) (objectEntry, error) {
	if entry.HasSubstate {
		if err := entry.Substate.Substate.Transition(data.Substate); err != nil {
			return entry, fmt.Errorf("shard %s: %w", data.ShardId, err)
		}
	}
	entry.HasSubstate = true
	entry.Substate = data
	return entry, nil
}
