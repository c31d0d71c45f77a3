package consensus

import "context"

// OutboundService delivers HotStuff messages to other validators. Messages
// addressed to the sender itself never touch the network.
type OutboundService[A NodeAddressable, P Payload] interface {
	Send(ctx context.Context, from, to A, msg HotStuffMessage[A, P]) error
	Broadcast(ctx context.Context, from A, committee []A, msg HotStuffMessage[A, P]) error
}

// EpochManager is the committee authority consulted by the worker.
type EpochManager[A NodeAddressable] interface {
	CurrentEpoch() Epoch
	IsEpochValid(epoch Epoch) bool
	GetCommittee(epoch Epoch, shard ShardId) (Committee[A], error)
}

type SignatureService[A NodeAddressable] interface {
	Sign(msg []byte) ([]byte, error)
	Verify(signer A, msg, sig []byte) bool
	Aggregate(sigs [][]byte) ([]byte, error)
	// VerifyAggregate checks agg over msg against the encoded signer identities.
	VerifyAggregate(signers [][]byte, msg, agg []byte) bool
}

// FinalizeResult is the outcome of executing a committed payload.
type FinalizeResult struct {
	PayloadId PayloadId                 `json:"payload_id"`
	Decision  QuorumDecision            `json:"decision"`
	Changes   map[ShardId]SubstateState `json:"changes"`
	Reason    string                    `json:"reason,omitempty"`
}

func (r FinalizeResult) Accepted() bool { return r.Decision == DecisionAccept }

// PayloadProcessor executes a payload against the pledged object states. It
// must be deterministic: every replica feeds it the same pledges.
type PayloadProcessor[P Payload] interface {
	ProcessPayload(payload P, pledges map[ShardId]ObjectPledge) (FinalizeResult, error)
}
