// Package node runs a validator: the consensus worker, its collaborators
// and the loop that ties their events together.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/epoch"
	"github.com/uhyunpark/shardbft/pkg/mempool"
	"github.com/uhyunpark/shardbft/pkg/util"
)

// Service is a long-running part of the node. Run returns when ctx is
// cancelled; returning earlier is fatal to the node.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Network is the peer layer as the driving loop sees it.
type Network interface {
	Announce(ctx context.Context) error
	Connected() <-chan peer.ID
}

// Committees answers which validators share this node's shard.
type Committees[A consensus.NodeAddressable] interface {
	CurrentEpoch() consensus.Epoch
	CurrentShardKey() (consensus.ShardId, bool)
	GetCommitteeVnsFromShardKey(e consensus.Epoch, shard consensus.ShardId) ([]consensus.ValidatorNode[A], error)
}

type Node[A consensus.NodeAddressable, P consensus.Payload] struct {
	Engine     *consensus.Engine[A, P]
	Mempool    *mempool.Pool[P]
	Committees Committees[A]
	Network    Network
	Services   []Service
	Logger     *zap.SugaredLogger
}

func New[A consensus.NodeAddressable, P consensus.Payload](engine *consensus.Engine[A, P], pool *mempool.Pool[P]) *Node[A, P] {
	return &Node[A, P]{Engine: engine, Mempool: pool}
}

func (n *Node[A, P]) log() *zap.SugaredLogger { return util.OrNop(n.Logger) }

type serviceExit struct {
	name string
	err  error
}

// Start runs the node until ctx is cancelled or a service fails. On return
// every service has stopped; their errors are aggregated.
func (n *Node[A, P]) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := n.Engine.Events.Subscribe(256)
	defer unsubscribe()

	services := append([]Service{{Name: "consensus", Run: n.Engine.Run}}, n.Services...)
	exits := make(chan serviceExit, len(services))
	var wg sync.WaitGroup
	for _, s := range services {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			exits <- serviceExit{name: s.Name, err: s.Run(ctx)}
		}()
	}

	n.dialLocalCommittee(ctx)

	var connected <-chan peer.ID
	if n.Network != nil {
		connected = n.Network.Connected()
	}
	var submitted <-chan struct{}
	if n.Mempool != nil {
		submitted = n.Mempool.Notify()
	}

	var (
		fatal   error
		stopped []serviceExit
	)
loop:
	for {
		select {
		case <-ctx.Done():
			n.log().Infow("node_shutdown")
			break loop
		case p := <-connected:
			n.log().Debugw("peer_connected", "peer", p.String())
			if err := n.Network.Announce(ctx); err != nil {
				n.log().Warnw("announce_failed", "err", err)
			}
		case ev, ok := <-events:
			if ok {
				n.onHotStuffEvent(ev)
			}
		case <-submitted:
			n.proposePending(ctx)
		case exit := <-exits:
			if ctx.Err() != nil {
				stopped = append(stopped, exit)
				break loop
			}
			fatal = fmt.Errorf("service %s exited: %w", exit.name, orStopped(exit.err))
			n.log().Errorw("service_exited", "service", exit.name, "err", exit.err)
			break loop
		}
	}

	cancel()
	wg.Wait()
	close(exits)
	for exit := range exits {
		stopped = append(stopped, exit)
	}

	var errs *multierror.Error
	if fatal != nil {
		errs = multierror.Append(errs, fatal)
	}
	for _, exit := range stopped {
		if exit.err != nil && !errors.Is(exit.err, context.Canceled) {
			errs = multierror.Append(errs, fmt.Errorf("service %s: %w", exit.name, exit.err))
		}
	}
	return errs.ErrorOrNil()
}

func orStopped(err error) error {
	if err == nil {
		return errors.New("stopped")
	}
	return err
}

func (n *Node[A, P]) onHotStuffEvent(ev consensus.HotStuffEvent) {
	switch ev.Type {
	case consensus.EventOnFinalized:
		if n.Mempool != nil && n.Mempool.Remove(ev.PayloadId) {
			n.log().Debugw("payload_removed_from_mempool", "payload", ev.PayloadId)
		}
		n.log().Infow("payload_finalized", "payload", ev.PayloadId, "shard", ev.Shard,
			"height", ev.Height, "decision", ev.Result.Decision)
	}
}

func (n *Node[A, P]) proposePending(ctx context.Context) {
	for _, p := range n.Mempool.TakeNew(0) {
		if err := n.Engine.SubmitPayload(ctx, p); err != nil {
			n.log().Warnw("payload_submit_failed", "payload", consensus.PayloadIdOf(p), "err", err)
			return
		}
	}
}

// dialLocalCommittee announces this node so that the members of its
// committee can reach it. Before the base layer is scanned there is no
// committee yet.
func (n *Node[A, P]) dialLocalCommittee(ctx context.Context) {
	if n.Committees == nil || n.Network == nil {
		return
	}
	shardKey, ok := n.Committees.CurrentShardKey()
	if !ok {
		n.log().Infow("not_registered_yet")
		return
	}
	vns, err := n.Committees.GetCommitteeVnsFromShardKey(n.Committees.CurrentEpoch(), shardKey)
	switch {
	case epoch.IsRetryable(err):
		n.log().Infow("epoch_manager_not_synced", "err", err)
		return
	case err != nil:
		n.log().Warnw("local_committee_failed", "err", err)
		return
	}
	if err := n.Network.Announce(ctx); err != nil {
		n.log().Warnw("announce_failed", "err", err)
	}
	n.log().Infow("local_committee", "epoch", n.Committees.CurrentEpoch(), "members", len(vns))
}
