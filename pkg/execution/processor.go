// Package execution turns a committed payload and its pledged object states
// into substate transitions. It stands in for the contract engine: each
// claimed object is created, destroyed or required to exist, nothing more.
package execution

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/util"
)

// OutputData is implemented by payloads that attach data to created objects.
type OutputData interface {
	OutputData(shard consensus.ShardId) []byte
}

type Processor[P consensus.Payload] struct {
	Logger *zap.SugaredLogger
}

func NewProcessor[P consensus.Payload](logger *zap.SugaredLogger) *Processor[P] {
	return &Processor[P]{Logger: logger}
}

// ProcessPayload applies the payload's claim on every pledged shard. A claim
// that does not fit the pledged state rejects the whole payload. Shards with
// no pledge are not local and are left to their own committees.
func (pr *Processor[P]) ProcessPayload(p P, pledges map[consensus.ShardId]consensus.ObjectPledge) (consensus.FinalizeResult, error) {
	id := consensus.PayloadIdOf(p)
	result := consensus.FinalizeResult{
		PayloadId: id,
		Decision:  consensus.DecisionAccept,
		Changes:   make(map[consensus.ShardId]consensus.SubstateState),
	}

	created := uint32(0)
	for _, shard := range p.InvolvedShards() {
		pledge, ok := pledges[shard]
		if !ok {
			continue
		}
		if pledge.PledgedToPayload != id {
			return reject(result, "shard %s pledged to %s", shard, pledge.PledgedToPayload), nil
		}
		change, _, ok := p.ObjectsForShard(shard)
		if !ok {
			continue
		}
		current := pledge.CurrentState
		switch change {
		case consensus.SubstateChangeCreate:
			if current.Status != consensus.SubstateDoesNotExist {
				return reject(result, "create %s: object is %s", shard, current), nil
			}
			var data []byte
			if od, ok := any(p).(OutputData); ok {
				data = od.OutputData(shard)
			}
			result.Changes[shard] = consensus.Up(id, shard.Bytes(), data)
			created++
		case consensus.SubstateChangeDestroy:
			if !current.IsUp() {
				return reject(result, "destroy %s: object is %s", shard, current), nil
			}
			result.Changes[shard] = consensus.Down(id)
		case consensus.SubstateChangeExists:
			if !current.IsUp() {
				return reject(result, "reference %s: object is %s", shard, current), nil
			}
		default:
			return result, fmt.Errorf("unknown substate change %d", change)
		}
	}
	if created > p.MaxOutputs() {
		return reject(result, "%d outputs exceed max %d", created, p.MaxOutputs()), nil
	}

	util.OrNop(pr.Logger).Debugw("payload_processed", "payload", id, "changes", len(result.Changes))
	return result, nil
}

func reject(r consensus.FinalizeResult, format string, args ...any) consensus.FinalizeResult {
	r.Decision = consensus.DecisionReject
	r.Changes = map[consensus.ShardId]consensus.SubstateState{}
	r.Reason = fmt.Sprintf(format, args...)
	return r
}

var _ consensus.PayloadProcessor[consensus.Payload] = (*Processor[consensus.Payload])(nil)
