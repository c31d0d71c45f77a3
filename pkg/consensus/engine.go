package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/util"
)

var (
	ErrPledgeConflict   = errors.New("object pledged to another payload")
	ErrNotInCommittee   = errors.New("not a committee member")
	ErrInvalidProposal  = errors.New("invalid proposal")
	ErrInvalidQC        = errors.New("invalid quorum certificate")
	ErrInvalidVote      = errors.New("invalid vote")
	ErrPayloadFinalized = errors.New("payload already finalized on shard")
)

const (
	inboundBuffer   = 1024
	decidedCapacity = 8192
)

// Engine is the consensus worker. A single goroutine (Run) owns the protocol:
// it takes new payloads, inbound HotStuff messages and pacemaker ticks, and
// every handler runs one shard store transaction that is committed before
// anything is sent.
type Engine[A NodeAddressable, P Payload] struct {
	ID        A
	Store     ShardStore[A, P]
	Epochs    EpochManager[A]
	Net       OutboundService[A, P]
	Processor PayloadProcessor[P]
	Signer    SignatureService[A]
	Leader    LeaderStrategy[A]
	PM        *Pacemaker
	Events    *EventBus
	Metrics   *Metrics

	Logger         *zap.SugaredLogger
	VerboseLogging bool
	WAL            WAL

	inbound  chan HotStuffMessage[A, P]
	payloads chan P
	loopback []HotStuffMessage[A, P]
	decided  *lru.Cache
}

func NewEngine[A NodeAddressable, P Payload](
	id A,
	store ShardStore[A, P],
	epochs EpochManager[A],
	net OutboundService[A, P],
	processor PayloadProcessor[P],
	signer SignatureService[A],
	pm *Pacemaker,
) *Engine[A, P] {
	decided, _ := lru.New(decidedCapacity)
	return &Engine[A, P]{
		ID:        id,
		Store:     store,
		Epochs:    epochs,
		Net:       net,
		Processor: processor,
		Signer:    signer,
		Leader:    PayloadLeaderStrategy[A]{},
		PM:        pm,
		Events:    NewEventBus(),
		Metrics:   NewMetrics(nil),
		inbound:   make(chan HotStuffMessage[A, P], inboundBuffer),
		payloads:  make(chan P, inboundBuffer),
		decided:   decided,
	}
}

// Inbound is where the network layer delivers messages for this validator.
func (e *Engine[A, P]) Inbound() chan<- HotStuffMessage[A, P] { return e.inbound }

// SubmitPayload queues a payload for proposal on every local shard it touches.
func (e *Engine[A, P]) SubmitPayload(ctx context.Context, p P) error {
	select {
	case e.payloads <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine[A, P]) log() *zap.SugaredLogger { return util.OrNop(e.Logger) }

func (e *Engine[A, P]) debugw(msg string, kv ...any) {
	if e.VerboseLogging {
		e.log().Debugw(msg, kv...)
	}
}

func (e *Engine[A, P]) wal(format string, args ...any) {
	if e.WAL != nil {
		e.WAL.Append(fmt.Sprintf(format, args...))
	}
}

func (e *Engine[A, P]) tickInterval() time.Duration {
	d := e.PM.Timeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Run drives consensus until ctx is cancelled. Handler failures are logged
// and the loop continues; the store transaction of a failed handler has
// already been rolled back.
func (e *Engine[A, P]) Run(ctx context.Context) error {
	ticker := e.PM.Clock.NewTicker(e.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-e.payloads:
			if err := e.onNewPayload(ctx, p); err != nil {
				e.log().Warnw("payload_not_proposed", "payload", PayloadIdOf(p), "err", err)
			}
		case msg := <-e.inbound:
			e.dispatch(ctx, msg)
		case <-ticker.C:
			e.onTick(ctx)
		}
		e.drainLoopback(ctx)
	}
}

func (e *Engine[A, P]) drainLoopback(ctx context.Context) {
	for len(e.loopback) > 0 {
		msg := e.loopback[0]
		e.loopback = e.loopback[1:]
		e.dispatch(ctx, msg)
	}
}

func (e *Engine[A, P]) dispatch(ctx context.Context, msg HotStuffMessage[A, P]) {
	var err error
	switch msg.Type {
	case MessageProposal:
		err = e.onProposal(ctx, msg)
	case MessageVote:
		err = e.onVote(ctx, msg)
	case MessageNewView:
		err = e.onNewView(ctx, msg)
	default:
		err = fmt.Errorf("unknown message type %d", msg.Type)
	}
	if err != nil {
		e.Metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
		e.debugw("message_rejected", "type", msg.Type, "from", msg.From, "shard", msg.Shard, "err", err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPledgeConflict):
		return "pledge_conflict"
	case errors.Is(err, ErrNotInCommittee):
		return "not_in_committee"
	case errors.Is(err, ErrInvalidQC):
		return "invalid_qc"
	case errors.Is(err, ErrInvalidVote):
		return "invalid_vote"
	case errors.Is(err, ErrInvalidProposal):
		return "invalid_proposal"
	case errors.Is(err, ErrPayloadFinalized):
		return "finalized"
	default:
		return "other"
	}
}

// send delivers to self through the loopback queue and to anyone else
// through the network.
func (e *Engine[A, P]) send(ctx context.Context, to A, msg HotStuffMessage[A, P]) {
	if to == e.ID {
		e.loopback = append(e.loopback, msg)
		return
	}
	if err := e.Net.Send(ctx, e.ID, to, msg); err != nil {
		e.log().Warnw("send_failed", "to", to, "type", msg.Type, "err", err)
	}
}

func (e *Engine[A, P]) broadcast(ctx context.Context, committee Committee[A], msg HotStuffMessage[A, P]) {
	others := make([]A, 0, committee.Len())
	for _, m := range committee.Members {
		if m == e.ID {
			e.loopback = append(e.loopback, msg)
			continue
		}
		others = append(others, m)
	}
	if len(others) == 0 {
		return
	}
	if err := e.Net.Broadcast(ctx, e.ID, others, msg); err != nil {
		e.log().Warnw("broadcast_failed", "type", msg.Type, "shard", msg.Shard, "err", err)
	}
}

func (e *Engine[A, P]) isDecided(k InstanceKey) bool {
	return e.decided.Contains(k)
}

func (e *Engine[A, P]) onNewPayload(ctx context.Context, p P) error {
	id := PayloadIdOf(p)
	epoch := e.Epochs.CurrentEpoch()
	if err := WithTx(e.Store, func(tx ShardStoreTx[A, P]) error { return tx.SetPayload(p) }); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	var firstErr error
	for _, shard := range p.InvolvedShards() {
		committee, err := e.Epochs.GetCommittee(epoch, shard)
		if err != nil {
			return fmt.Errorf("committee for %s: %w", shard, err)
		}
		if !committee.Contains(e.ID) {
			continue
		}
		k := InstanceKey{Payload: id, Shard: shard}
		if e.isDecided(k) {
			continue
		}
		e.PM.Start(k)
		e.Metrics.ActiveInstances.Set(float64(e.PM.Len()))
		if !IsLeader(e.Leader, e.ID, committee, id, shard, e.PM.Round(k)) {
			continue
		}
		if err := e.propose(ctx, p, shard, committee, e.PM.Round(k)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// propose builds the next node of the payload's pipeline on the shard leaf,
// justified by the shard's high QC.
func (e *Engine[A, P]) propose(ctx context.Context, p P, shard ShardId, committee Committee[A], round uint32) error {
	id := PayloadIdOf(p)
	epoch := e.Epochs.CurrentEpoch()
	var node HotStuffTreeNode[A, P]

	err := WithTx(e.Store, func(tx ShardStoreTx[A, P]) error {
		highQC, err := tx.GetHighQcFor(shard)
		if err != nil {
			return err
		}
		leafHash, leafHeight, err := tx.GetLeafNode(shard)
		if err != nil {
			return err
		}
		payloadHeight := PrepareHeight
		if highQC.PayloadId == id && !highQC.IsGenesis() {
			payloadHeight = highQC.PayloadHeight + 1
		}
		if payloadHeight > DecideHeight {
			return ErrPayloadFinalized
		}

		var pledge *ObjectPledge
		if payloadHeight == PrepareHeight {
			change, _, ok := p.ObjectsForShard(shard)
			if !ok {
				return fmt.Errorf("%w: payload does not involve shard %s", ErrInvalidProposal, shard)
			}
			pl, err := tx.PledgeObject(shard, id, change, leafHeight)
			if err != nil {
				return err
			}
			if pl.PledgedToPayload != id {
				e.Metrics.PledgeConflicts.Inc()
				return fmt.Errorf("%w: shard %s held by %s until %d", ErrPledgeConflict, shard, pl.PledgedToPayload, pl.PledgedUntil)
			}
			pledge = &pl
		} else {
			justified, err := tx.GetNode(highQC.LocalNodeHash)
			if err != nil {
				return err
			}
			pledge = justified.LocalPledge()
		}

		node = NewTreeNode[A, P](leafHash, shard, leafHeight+1, id, &p, payloadHeight, pledge, epoch, e.ID, highQC)
		if err := tx.SaveNode(node); err != nil {
			return err
		}
		return tx.SaveLeaderProposals(shard, id, payloadHeight, round, node)
	})
	if err != nil {
		return err
	}

	e.Metrics.Proposals.Inc()
	e.wal("propose payload=%s shard=%s height=%d payload_height=%d round=%d", id, shard, node.Height(), node.PayloadHeight(), round)
	e.debugw("propose", "payload", id, "shard", shard, "height", node.Height(), "payload_height", node.PayloadHeight(), "round", round)
	e.broadcast(ctx, committee, NewProposalMessage(e.ID, node, round))
	return nil
}

func (e *Engine[A, P]) onProposal(ctx context.Context, msg HotStuffMessage[A, P]) error {
	if msg.Node == nil {
		return fmt.Errorf("%w: missing node", ErrInvalidProposal)
	}
	node := *msg.Node
	shard, id := node.Shard(), node.PayloadId()
	k := InstanceKey{Payload: id, Shard: shard}

	if e.isDecided(k) {
		return ErrPayloadFinalized
	}
	if !e.Epochs.IsEpochValid(node.Epoch()) {
		return fmt.Errorf("%w: epoch %d outside window", ErrInvalidProposal, node.Epoch())
	}
	if node.PayloadHeight() < PrepareHeight || node.PayloadHeight() > DecideHeight {
		return fmt.Errorf("%w: payload height %d", ErrInvalidProposal, node.PayloadHeight())
	}
	committee, err := e.Epochs.GetCommittee(node.Epoch(), shard)
	if err != nil {
		return err
	}
	if !committee.Contains(e.ID) {
		return fmt.Errorf("%w: self in shard %s", ErrNotInCommittee, shard)
	}
	leader, ok := e.Leader.LeaderOf(committee, id, shard, msg.LeaderRound)
	if !ok || leader != node.ProposedBy() || msg.From != node.ProposedBy() {
		return fmt.Errorf("%w: %s is not leader for round %d", ErrInvalidProposal, node.ProposedBy(), msg.LeaderRound)
	}
	if err := e.verifyQC(node.Justify()); err != nil {
		return err
	}

	var (
		vote     *VoteMessage
		finalize *HotStuffEvent
	)
	err = WithTx(e.Store, func(tx ShardStoreTx[A, P]) error {
		p, err := e.payloadFor(tx, node)
		if err != nil {
			return err
		}
		if node.Height() <= node.Justify().LocalNodeHeight {
			return fmt.Errorf("%w: height %d not above justify", ErrInvalidProposal, node.Height())
		}
		if err := tx.SaveNode(node); err != nil {
			return err
		}
		if ok, err := Extends(tx, node, node.Justify().LocalNodeHash, node.Justify().LocalNodeHeight); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: does not extend justified node", ErrInvalidProposal)
		}
		if err := e.checkPledge(tx, node, p); err != nil {
			return err
		}
		safe, err := SafeNode(tx, node)
		if err != nil {
			return err
		}
		if !safe {
			return fmt.Errorf("%w: conflicts with locked node", ErrInvalidProposal)
		}
		if err := tx.UpdateHighQc(shard, node.Justify()); err != nil {
			return err
		}
		if err := e.lockIfPreCommit(tx, node); err != nil {
			return err
		}

		if node.PayloadHeight() == DecideHeight {
			ev, err := e.execute(tx, node, p)
			if err != nil {
				return err
			}
			finalize = ev
			return nil
		}

		lastHeight, lastRound, err := tx.GetLastVotedHeight(shard)
		if err != nil {
			return err
		}
		if !CanVote(lastHeight, lastRound, node.Height(), msg.LeaderRound) {
			return nil
		}
		v := NewVoteMessage(node.Hash(), shard, DecisionAccept)
		sig, err := e.Signer.Sign(v.SigningBytes())
		if err != nil {
			return fmt.Errorf("sign vote: %w", err)
		}
		v.Signature = sig
		if err := tx.SetLastVotedHeight(shard, node.Height(), msg.LeaderRound); err != nil {
			return err
		}
		vote = &v
		return nil
	})
	if err != nil {
		return err
	}

	if finalize != nil {
		e.finish(k, *finalize)
		return nil
	}
	e.PM.Start(k)
	e.PM.AdvanceTo(k, msg.LeaderRound)
	e.PM.Progress(k)
	e.Metrics.ActiveInstances.Set(float64(e.PM.Len()))
	if vote != nil {
		e.Metrics.VotesSent.Inc()
		e.wal("vote payload=%s shard=%s height=%d round=%d", id, shard, node.Height(), msg.LeaderRound)
		e.send(ctx, node.ProposedBy(), NewVoteMsg[A, P](e.ID, node.Epoch(), *vote))
	}
	return nil
}

// payloadFor returns the payload carried by node, or the stored one when the
// proposer omitted it.
func (e *Engine[A, P]) payloadFor(tx ShardStoreTx[A, P], node HotStuffTreeNode[A, P]) (P, error) {
	p, ok := node.Payload()
	if !ok {
		stored, err := tx.GetPayload(node.PayloadId())
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return stored, nil
	}
	if PayloadIdOf(p) != node.PayloadId() {
		return p, fmt.Errorf("%w: payload does not match id", ErrInvalidProposal)
	}
	if !Involves(p, node.Shard()) {
		return p, fmt.Errorf("%w: payload does not involve shard %s", ErrInvalidProposal, node.Shard())
	}
	return p, tx.SetPayload(p)
}

// checkPledge takes the local pledge for a Prepare node and requires it to
// match the leader's. Later phases carry the pledge forward unchanged.
func (e *Engine[A, P]) checkPledge(tx ShardStoreTx[A, P], node HotStuffTreeNode[A, P], p P) error {
	proposed := node.LocalPledge()
	if proposed == nil {
		return fmt.Errorf("%w: missing pledge", ErrInvalidProposal)
	}
	if proposed.ShardId != node.Shard() || proposed.PledgedToPayload != node.PayloadId() {
		return fmt.Errorf("%w: pledge for another object", ErrInvalidProposal)
	}
	if node.PayloadHeight() != PrepareHeight {
		return nil
	}
	change, _, _ := p.ObjectsForShard(node.Shard())
	local, err := tx.PledgeObject(node.Shard(), node.PayloadId(), change, node.Height()-1)
	if err != nil {
		return err
	}
	if local.PledgedToPayload != node.PayloadId() {
		e.Metrics.PledgeConflicts.Inc()
		return fmt.Errorf("%w: shard %s held by %s", ErrPledgeConflict, node.Shard(), local.PledgedToPayload)
	}
	if !local.CurrentState.Equal(proposed.CurrentState) {
		return fmt.Errorf("%w: leader saw %s, local state is %s", ErrInvalidProposal, proposed.CurrentState, local.CurrentState)
	}
	return nil
}

// lockIfPreCommit locks on the node certified by a PreCommit QC, which is
// what a Commit-phase node carries as its justification.
func (e *Engine[A, P]) lockIfPreCommit(tx ShardStoreTx[A, P], node HotStuffTreeNode[A, P]) error {
	qc := node.Justify()
	if qc.PayloadId != node.PayloadId() || qc.PayloadHeight != PreCommitHeight {
		return nil
	}
	_, lockedHeight, err := tx.GetLockedNodeHashAndHeight(node.Shard())
	if err != nil {
		return err
	}
	if qc.LocalNodeHeight <= lockedHeight {
		return nil
	}
	return tx.SetLocked(node.Shard(), qc.LocalNodeHash, qc.LocalNodeHeight)
}

// execute runs a Decide node's payload once and records the outcome for the
// node's shard.
func (e *Engine[A, P]) execute(tx ShardStoreTx[A, P], node HotStuffTreeNode[A, P], p P) (*HotStuffEvent, error) {
	qc := node.Justify()
	if qc.PayloadId != node.PayloadId() || qc.PayloadHeight != CommitHeight {
		return nil, fmt.Errorf("%w: decide node without commit QC", ErrInvalidProposal)
	}
	shard := node.Shard()
	executed, err := tx.GetLastExecutedHeight(shard)
	if err != nil {
		return nil, err
	}
	if node.Height() <= executed {
		return nil, ErrPayloadFinalized
	}
	pledges := map[ShardId]ObjectPledge{shard: *node.LocalPledge()}
	result, err := e.Processor.ProcessPayload(p, pledges)
	if err != nil {
		return nil, fmt.Errorf("process payload %s: %w", node.PayloadId(), err)
	}
	if result.Accepted() {
		local := make(map[ShardId]SubstateState, 1)
		if st, ok := result.Changes[shard]; ok {
			local[shard] = st
		}
		if err := tx.SaveSubstateChanges(local, node); err != nil {
			return nil, err
		}
	}
	if err := tx.SetLastExecutedHeight(shard, node.Height()); err != nil {
		return nil, err
	}
	if err := tx.UpdateLeafNode(shard, node.Hash(), node.Height()); err != nil {
		return nil, err
	}
	if err := tx.ReleasePledge(shard, node.PayloadId()); err != nil {
		return nil, err
	}
	return &HotStuffEvent{
		Type:      EventOnFinalized,
		PayloadId: node.PayloadId(),
		Shard:     shard,
		Height:    node.Height(),
		Result:    result,
	}, nil
}

func (e *Engine[A, P]) finish(k InstanceKey, ev HotStuffEvent) {
	e.decided.Add(k, struct{}{})
	e.PM.Stop(k)
	e.Metrics.ActiveInstances.Set(float64(e.PM.Len()))
	e.Metrics.Finalized.WithLabelValues(ev.Result.Decision.String()).Inc()
	e.wal("finalize payload=%s shard=%s height=%d decision=%s", ev.PayloadId, ev.Shard, ev.Height, ev.Result.Decision)
	e.log().Infow("payload_finalized", "payload", ev.PayloadId, "shard", ev.Shard, "height", ev.Height, "decision", ev.Result.Decision)
	if dropped := e.Events.Publish(ev); dropped > 0 {
		e.log().Warnw("event_dropped", "payload", ev.PayloadId, "subscribers", dropped)
	}
}

func (e *Engine[A, P]) onVote(ctx context.Context, msg HotStuffMessage[A, P]) error {
	if msg.Vote == nil {
		return fmt.Errorf("%w: missing vote", ErrInvalidVote)
	}
	v := *msg.Vote
	from := msg.From
	if !e.Signer.Verify(from, v.SigningBytes(), v.Signature) {
		return fmt.Errorf("%w: bad signature from %s", ErrInvalidVote, from)
	}

	var (
		node   HotStuffTreeNode[A, P]
		formed bool
	)
	err := WithTx(e.Store, func(tx ShardStoreTx[A, P]) error {
		var err error
		node, err = tx.GetNode(v.LocalNodeHash)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVote, err)
		}
		if node.Shard() != v.Shard || node.ProposedBy() != e.ID {
			return fmt.Errorf("%w: vote for a node this validator did not propose", ErrInvalidVote)
		}
		committee, err := e.Epochs.GetCommittee(node.Epoch(), node.Shard())
		if err != nil {
			return err
		}
		if !committee.Contains(from) {
			return fmt.Errorf("%w: voter %s", ErrNotInCommittee, from)
		}
		if dup, err := tx.HasVoteFor(from, node.Hash(), node.Shard()); err != nil {
			return err
		} else if dup {
			return nil
		}
		count, err := tx.SaveReceivedVoteFor(from, node.Hash(), node.Shard(), v)
		if err != nil {
			return err
		}
		e.Metrics.VotesReceived.Inc()
		if count != committee.QuorumThreshold() {
			return nil
		}

		votes, err := tx.GetReceivedVotesFor(node.Hash(), node.Shard())
		if err != nil {
			return err
		}
		voters, err := tx.GetReceivedVoters(node.Hash(), node.Shard())
		if err != nil {
			return err
		}
		sigs := make([][]byte, 0, len(votes))
		for _, rv := range votes {
			sigs = append(sigs, rv.Signature)
		}
		agg, err := e.Signer.Aggregate(sigs)
		if err != nil {
			return fmt.Errorf("aggregate votes: %w", err)
		}
		signers := make([][]byte, 0, len(voters))
		for _, a := range voters {
			signers = append(signers, a.Bytes())
		}
		qc := QuorumCertificate{
			PayloadId:          node.PayloadId(),
			PayloadHeight:      node.PayloadHeight(),
			LocalNodeHash:      node.Hash(),
			LocalNodeHeight:    node.Height(),
			Shard:              node.Shard(),
			Epoch:              node.Epoch(),
			Decision:           DecisionAccept,
			Signers:            signers,
			AggregateSignature: agg,
		}
		if err := tx.UpdateHighQc(node.Shard(), qc); err != nil {
			return err
		}
		formed = true
		return nil
	})
	if err != nil || !formed {
		return err
	}

	e.Metrics.QCsFormed.Inc()
	e.wal("qc payload=%s shard=%s height=%d payload_height=%d", node.PayloadId(), node.Shard(), node.Height(), node.PayloadHeight())
	e.debugw("qc_formed", "payload", node.PayloadId(), "shard", node.Shard(), "payload_height", node.PayloadHeight())

	k := InstanceKey{Payload: node.PayloadId(), Shard: node.Shard()}
	e.PM.Progress(k)
	p, ok := node.Payload()
	if !ok {
		return nil
	}
	committee, err := e.Epochs.GetCommittee(node.Epoch(), node.Shard())
	if err != nil {
		return err
	}
	return e.propose(ctx, p, node.Shard(), committee, e.PM.Round(k))
}

func (e *Engine[A, P]) onNewView(ctx context.Context, msg HotStuffMessage[A, P]) error {
	if msg.HighQC == nil {
		return fmt.Errorf("%w: new view without high QC", ErrInvalidQC)
	}
	if !e.Epochs.IsEpochValid(msg.Epoch) {
		return fmt.Errorf("%w: epoch %d outside window", ErrInvalidProposal, msg.Epoch)
	}
	k := InstanceKey{Payload: msg.PayloadId, Shard: msg.Shard}
	if e.isDecided(k) {
		return ErrPayloadFinalized
	}
	committee, err := e.Epochs.GetCommittee(msg.Epoch, msg.Shard)
	if err != nil {
		return err
	}
	if !committee.Contains(msg.From) {
		return fmt.Errorf("%w: %s", ErrNotInCommittee, msg.From)
	}
	qc := *msg.HighQC
	if !qc.IsGenesis() && qc.Shard != msg.Shard {
		return fmt.Errorf("%w: high QC for another shard", ErrInvalidQC)
	}
	if err := e.verifyQC(qc); err != nil {
		return err
	}
	var p P
	err = WithTx(e.Store, func(tx ShardStoreTx[A, P]) error {
		if err := tx.UpdateHighQc(msg.Shard, qc); err != nil {
			return err
		}
		p, err = tx.GetPayload(msg.PayloadId)
		return err
	})
	if err != nil {
		return err
	}
	if !IsLeader(e.Leader, e.ID, committee, msg.PayloadId, msg.Shard, msg.LeaderRound) {
		return nil
	}
	e.PM.Start(k)
	if !e.PM.AdvanceTo(k, msg.LeaderRound) {
		return nil
	}
	e.log().Infow("new_view_leader", "payload", msg.PayloadId, "shard", msg.Shard, "round", msg.LeaderRound)
	return e.propose(ctx, p, msg.Shard, committee, msg.LeaderRound)
}

// onTick moves stalled pipelines to the next leader round. The new leader
// re-proposes; everyone else hands it their high QC.
func (e *Engine[A, P]) onTick(ctx context.Context) {
	for _, k := range e.PM.Expire() {
		e.Metrics.Timeouts.Inc()
		round := e.PM.Round(k)
		epoch := e.Epochs.CurrentEpoch()
		committee, err := e.Epochs.GetCommittee(epoch, k.Shard)
		if err != nil {
			e.log().Warnw("timeout_committee_failed", "shard", k.Shard, "err", err)
			continue
		}
		leader, ok := e.Leader.LeaderOf(committee, k.Payload, k.Shard, round)
		if !ok {
			continue
		}
		e.log().Infow("pacemaker_timeout", "payload", k.Payload, "shard", k.Shard, "round", round, "leader", leader)

		var (
			p      P
			highQC QuorumCertificate
		)
		err = View(e.Store, func(tx ShardStoreTx[A, P]) error {
			var err error
			if highQC, err = tx.GetHighQcFor(k.Shard); err != nil {
				return err
			}
			p, err = tx.GetPayload(k.Payload)
			return err
		})
		if err != nil {
			e.log().Warnw("timeout_state_failed", "payload", k.Payload, "shard", k.Shard, "err", err)
			continue
		}
		if leader == e.ID {
			if err := e.propose(ctx, p, k.Shard, committee, round); err != nil {
				e.debugw("repropose_failed", "payload", k.Payload, "shard", k.Shard, "err", err)
			}
			continue
		}
		e.send(ctx, leader, NewViewMessage[A, P](e.ID, k.Shard, epoch, k.Payload, round, highQC))
	}
}

// verifyQC checks that a non-genesis QC is signed by a quorum of its
// shard's committee.
func (e *Engine[A, P]) verifyQC(qc QuorumCertificate) error {
	if qc.IsGenesis() {
		return nil
	}
	committee, err := e.Epochs.GetCommittee(qc.Epoch, qc.Shard)
	if err != nil {
		return err
	}
	if len(qc.Signers) < committee.QuorumThreshold() {
		return fmt.Errorf("%w: %d signers, need %d", ErrInvalidQC, len(qc.Signers), committee.QuorumThreshold())
	}
	seen := make(map[string]struct{}, len(qc.Signers))
	for _, s := range qc.Signers {
		if _, dup := seen[string(s)]; dup {
			return fmt.Errorf("%w: duplicate signer", ErrInvalidQC)
		}
		seen[string(s)] = struct{}{}
		member := false
		for _, m := range committee.Members {
			if bytes.Equal(m.Bytes(), s) {
				member = true
				break
			}
		}
		if !member {
			return fmt.Errorf("%w: signer outside committee", ErrInvalidQC)
		}
	}
	msg := NewVoteMessage(qc.LocalNodeHash, qc.Shard, qc.Decision).SigningBytes()
	if !e.Signer.VerifyAggregate(qc.Signers, msg, qc.AggregateSignature) {
		return fmt.Errorf("%w: aggregate signature", ErrInvalidQC)
	}
	return nil
}
