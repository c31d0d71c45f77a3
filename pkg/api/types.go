package api

import (
	"github.com/uhyunpark/shardbft/pkg/consensus"
)

// API response types for REST endpoints and WebSocket messages

// NodeStatus is the validator's view of the base layer and its queue
type NodeStatus struct {
	Identity        string             `json:"identity"`
	Epoch           consensus.Epoch    `json:"epoch"`
	BaseLayerHeight uint64             `json:"baseLayerHeight"`
	ShardKey        *consensus.ShardId `json:"shardKey,omitempty"` // nil until registered
	// RegistrationEpochsLeft counts the current epoch; nil once expired.
	RegistrationEpochsLeft *consensus.Epoch `json:"registrationEpochsLeft,omitempty"`
	MempoolSize            int              `json:"mempoolSize"`
}

// CommitteeMember is one validator of a shard committee
type CommitteeMember struct {
	PublicKey string            `json:"publicKey"`
	ShardKey  consensus.ShardId `json:"shardKey"`
	Epoch     consensus.Epoch   `json:"epoch"`
}

type CommitteeResponse struct {
	Epoch   consensus.Epoch   `json:"epoch"`
	Shard   consensus.ShardId `json:"shard"`
	Members []CommitteeMember `json:"members"`
	Quorum  int               `json:"quorum"`
}

// CommitteesResponse lists the committees of several shards in one epoch
type CommitteesResponse struct {
	Epoch      consensus.Epoch          `json:"epoch"`
	Committees []ShardCommitteeResponse `json:"committees"`
}

type ShardCommitteeResponse struct {
	Shard   consensus.ShardId `json:"shard"`
	Members []string          `json:"members"`
	Quorum  int               `json:"quorum"`
}

// SubmitTransactionResponse is the response from transaction submission
type SubmitTransactionResponse struct {
	Status    string              `json:"status"` // "submitted"
	PayloadId consensus.PayloadId `json:"payloadId"`
}

// ResultResponse carries a finalize result, from consensus or a dry run
type ResultResponse struct {
	PayloadId consensus.PayloadId                           `json:"payloadId"`
	Decision  string                                        `json:"decision"` // "Accept" | "Reject"
	Reason    string                                        `json:"reason,omitempty"`
	Changes   map[consensus.ShardId]consensus.SubstateState `json:"changes"`
	DryRun    bool                                          `json:"dryRun,omitempty"`
}

func resultResponse(r consensus.FinalizeResult, dryRun bool) ResultResponse {
	return ResultResponse{
		PayloadId: r.PayloadId,
		Decision:  r.Decision.String(),
		Reason:    r.Reason,
		Changes:   r.Changes,
		DryRun:    dryRun,
	}
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["finalized", "payload:<hex id>"]
}

// FinalizedUpdate is broadcast when a payload is decided on a shard
type FinalizedUpdate struct {
	Type      string               `json:"type"` // "finalized"
	PayloadId consensus.PayloadId  `json:"payloadId"`
	Shard     consensus.ShardId    `json:"shard"`
	Height    consensus.NodeHeight `json:"height"`
	Result    ResultResponse       `json:"result"`
}

// EpochUpdate is broadcast when the epoch manager moves to a new epoch
type EpochUpdate struct {
	Type  string          `json:"type"` // "epoch"
	Epoch consensus.Epoch `json:"epoch"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
