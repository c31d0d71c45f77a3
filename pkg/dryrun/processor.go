// Package dryrun previews a payload's finalize result against committed
// shard state without touching it.
package dryrun

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/util"
)

// SubstateNotFoundError reports a local shard with no substate row at all.
// A Down substate is a row and does not produce this error.
type SubstateNotFoundError struct {
	Shard consensus.ShardId
}

func (e *SubstateNotFoundError) Error() string {
	return fmt.Sprintf("no substate found for shard id %s", e.Shard)
}

func (e *SubstateNotFoundError) Unwrap() error { return consensus.ErrSubstateNotFound }

// LocalShards narrows shards to those this validator is responsible for.
type LocalShards[A consensus.NodeAddressable] interface {
	CurrentEpoch() consensus.Epoch
	FilterToLocalShards(e consensus.Epoch, a A, shards []consensus.ShardId) ([]consensus.ShardId, error)
}

type Processor[A consensus.NodeAddressable, P consensus.Payload] struct {
	Store     consensus.ShardStore[A, P]
	Processor consensus.PayloadProcessor[P]
	// Epochs, when set, excludes shards outside the local committees.
	Epochs LocalShards[A]
	Self   A
	Logger *zap.SugaredLogger
}

func NewProcessor[A consensus.NodeAddressable, P consensus.Payload](store consensus.ShardStore[A, P], processor consensus.PayloadProcessor[P]) *Processor[A, P] {
	return &Processor[A, P]{Store: store, Processor: processor}
}

// ProcessTransaction executes p against the local pledges it would receive.
// Shards with no local state are left out, as the engine does for shards of
// other committees.
func (d *Processor[A, P]) ProcessTransaction(ctx context.Context, p P) (consensus.FinalizeResult, error) {
	if err := ctx.Err(); err != nil {
		return consensus.FinalizeResult{}, err
	}
	pledges, err := d.localPledges(p)
	if err != nil {
		return consensus.FinalizeResult{}, err
	}
	result, err := d.Processor.ProcessPayload(p, pledges)
	if err != nil {
		return consensus.FinalizeResult{}, fmt.Errorf("payload processor: %w", err)
	}
	util.OrNop(d.Logger).Debugw("dry_run", "payload", result.PayloadId, "decision", result.Decision, "pledges", len(pledges))
	return result, nil
}

// localPledges resolves the shards this node holds. Without an epoch
// manager that is the store inventory; with one it is the local committee
// shards, where an output may not have a row yet.
func (d *Processor[A, P]) localPledges(p P) (map[consensus.ShardId]consensus.ObjectPledge, error) {
	id := consensus.PayloadIdOf(p)
	shards := p.InvolvedShards()
	if d.Epochs != nil {
		local, err := d.Epochs.FilterToLocalShards(d.Epochs.CurrentEpoch(), d.Self, shards)
		if err != nil {
			return nil, fmt.Errorf("filter local shards: %w", err)
		}
		shards = local
	}

	pledges := make(map[consensus.ShardId]consensus.ObjectPledge)
	err := consensus.View(d.Store, func(tx consensus.ShardStoreTx[A, P]) error {
		if d.Epochs == nil {
			inventory, err := tx.GetStateInventory()
			if err != nil {
				return err
			}
			shards = intersect(shards, inventory)
		}
		for _, shard := range shards {
			pledge := consensus.ObjectPledge{ShardId: shard, CurrentState: consensus.DoesNotExist(), PledgedToPayload: id}
			row, err := tx.GetSubstateState(shard)
			switch {
			case errors.Is(err, consensus.ErrSubstateNotFound):
				if change, _, _ := p.ObjectsForShard(shard); change != consensus.SubstateChangeCreate {
					return &SubstateNotFoundError{Shard: shard}
				}
			case err != nil:
				return err
			default:
				pledge.CurrentState = row.Substate
				pledge.PledgedUntil = row.Height
			}
			pledges[shard] = pledge
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pledges, nil
}

func intersect(shards, inventory []consensus.ShardId) []consensus.ShardId {
	held := make(map[consensus.ShardId]struct{}, len(inventory))
	for _, s := range inventory {
		held[s] = struct{}{}
	}
	var out []consensus.ShardId
	for _, s := range shards {
		if _, ok := held[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
