package node

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/crypto"
	"github.com/uhyunpark/shardbft/pkg/epoch"
	"github.com/uhyunpark/shardbft/pkg/execution"
	"github.com/uhyunpark/shardbft/pkg/mempool"
	"github.com/uhyunpark/shardbft/pkg/storage"
)

type nopNet struct{}

func (nopNet) Send(context.Context, ct.Addr, ct.Addr, consensus.HotStuffMessage[ct.Addr, ct.Payload]) error {
	return nil
}

func (nopNet) Broadcast(context.Context, ct.Addr, []ct.Addr, consensus.HotStuffMessage[ct.Addr, ct.Payload]) error {
	return nil
}

type fakeNetwork struct {
	connected chan peer.ID
	announced chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{connected: make(chan peer.ID, 1), announced: make(chan struct{}, 8)}
}

func (f *fakeNetwork) Announce(context.Context) error {
	f.announced <- struct{}{}
	return nil
}

func (f *fakeNetwork) Connected() <-chan peer.ID { return f.connected }

type fakeCommittees struct {
	err error
}

func (f fakeCommittees) CurrentEpoch() consensus.Epoch { return 1 }

func (f fakeCommittees) CurrentShardKey() (consensus.ShardId, bool) { return ct.Shard(1), true }

func (f fakeCommittees) GetCommitteeVnsFromShardKey(consensus.Epoch, consensus.ShardId) ([]consensus.ValidatorNode[ct.Addr], error) {
	if f.err != nil {
		return nil, f.err
	}
	return []consensus.ValidatorNode[ct.Addr]{{PublicKey: "v"}}, nil
}

func newSingleValidatorNode() (*Node[ct.Addr, ct.Payload], *Waiter) {
	engine := consensus.NewEngine[ct.Addr, ct.Payload](
		"v",
		storage.NewMemoryShardStore[ct.Addr, ct.Payload](),
		ct.StaticEpochs{Epoch: 1, Members: []ct.Addr{"v"}},
		nopNet{},
		execution.NewProcessor[ct.Payload](nil),
		crypto.DummySignatureService[ct.Addr]{},
		consensus.NewPacemaker(time.Minute, ct.NewFakeClock()),
	)
	n := New(engine, mempool.NewPool[ct.Payload](0, 0))
	waiter := NewWaiter(engine.Events)
	n.Services = append(n.Services, Service{Name: "waiter", Run: waiter.Run})
	return n, waiter
}

func TestNodeFinalizesSubmittedPayload(t *testing.T) {
	n, waiter := newSingleValidatorNode()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx) }()

	id, err := n.Mempool.Submit(ct.NewPayload("mint", consensus.SubstateChangeCreate, ct.Shard(4)))
	if err != nil {
		t.Fatal(err)
	}
	result, err := waiter.WaitForResult(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !result.Accepted() || !result.Changes[ct.Shard(4)].IsUp() {
		t.Fatalf("result = %+v", result)
	}

	deadline := time.Now().Add(5 * time.Second)
	for n.Mempool.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("finalized payload still in the mempool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("clean shutdown returned %v", err)
	}
}

func TestNodeStopsWhenServiceFails(t *testing.T) {
	n, _ := newSingleValidatorNode()
	boom := errors.New("boom")
	n.Services = append(n.Services, Service{Name: "scanner", Run: func(context.Context) error { return boom }})

	select {
	case err := <-startAsync(n, context.Background()):
		if !errors.Is(err, boom) || !strings.Contains(err.Error(), "scanner") {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node kept running after a service failed")
	}
}

func TestNodeAnnouncesToCommitteeAndOnConnect(t *testing.T) {
	n, _ := newSingleValidatorNode()
	net := newFakeNetwork()
	n.Network = net
	n.Committees = fakeCommittees{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startAsync(n, ctx)

	expectAnnounce(t, net)
	net.connected <- peer.ID("peer")
	expectAnnounce(t, net)

	cancel()
	<-done
}

func TestNodeWaitsForEpochSync(t *testing.T) {
	n, _ := newSingleValidatorNode()
	net := newFakeNetwork()
	n.Network = net
	n.Committees = fakeCommittees{err: epoch.ErrBaseLayerConsensusConstantsNotSet}
	ctx, cancel := context.WithCancel(context.Background())
	done := startAsync(n, ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("an unsynced epoch manager is not fatal: %v", err)
	}
	if len(net.announced) != 0 {
		t.Fatal("announced before the committee is known")
	}
}

func startAsync(n *Node[ct.Addr, ct.Payload], ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx) }()
	return done
}

func expectAnnounce(t *testing.T, net *fakeNetwork) {
	t.Helper()
	select {
	case <-net.announced:
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement")
	}
}
