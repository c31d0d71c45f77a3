package consensus

type MessageType uint8

const (
	MessageProposal MessageType = iota + 1
	MessageVote
	MessageNewView
)

func (t MessageType) String() string {
	switch t {
	case MessageProposal:
		return "Proposal"
	case MessageVote:
		return "Vote"
	case MessageNewView:
		return "NewView"
	default:
		return "Unknown"
	}
}

// HotStuffMessage is what the consensus worker hands to the outbound service.
// Exactly one of Node (proposal) or Vote is set.
type HotStuffMessage[A NodeAddressable, P Payload] struct {
	Type        MessageType
	From        A
	Shard       ShardId
	Epoch       Epoch
	LeaderRound uint32
	Node        *HotStuffTreeNode[A, P]
	Vote        *VoteMessage
	// HighQC accompanies NewView messages sent to the next leader after a timeout.
	HighQC *QuorumCertificate
	// PayloadId identifies the payload a NewView refers to.
	PayloadId PayloadId
}

func NewProposalMessage[A NodeAddressable, P Payload](from A, node HotStuffTreeNode[A, P], round uint32) HotStuffMessage[A, P] {
	return HotStuffMessage[A, P]{
		Type: MessageProposal, From: from, Shard: node.Shard(), Epoch: node.Epoch(),
		LeaderRound: round, Node: &node, PayloadId: node.PayloadId(),
	}
}

func NewVoteMsg[A NodeAddressable, P Payload](from A, epoch Epoch, vote VoteMessage) HotStuffMessage[A, P] {
	return HotStuffMessage[A, P]{Type: MessageVote, From: from, Shard: vote.Shard, Epoch: epoch, Vote: &vote}
}

func NewViewMessage[A NodeAddressable, P Payload](from A, shard ShardId, epoch Epoch, payload PayloadId, round uint32, highQC QuorumCertificate) HotStuffMessage[A, P] {
	return HotStuffMessage[A, P]{
		Type: MessageNewView, From: from, Shard: shard, Epoch: epoch,
		LeaderRound: round, HighQC: &highQC, PayloadId: payload,
	}
}
