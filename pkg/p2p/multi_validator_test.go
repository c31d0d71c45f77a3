package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/crypto"
	"github.com/uhyunpark/shardbft/pkg/execution"
	"github.com/uhyunpark/shardbft/pkg/p2p"
	"github.com/uhyunpark/shardbft/pkg/storage"
	"github.com/uhyunpark/shardbft/pkg/util"
)

// TestFourValidators runs four engines over real libp2p hosts. N=4 tolerates
// f=1 and needs 3 votes per QC.
func TestFourValidators(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local tcp listeners")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	ids := []ct.Addr{"val1", "val2", "val3", "val4"}
	engines := make([]*consensus.Engine[ct.Addr, ct.Payload], len(ids))
	networks := make([]*p2p.Libp2pNet[ct.Addr, ct.Payload], len(ids))
	subs := make([]<-chan consensus.HotStuffEvent, len(ids))

	for i, id := range ids {
		net, err := p2p.NewLibp2pNet[ct.Addr, ct.Payload](ctx, p2p.Libp2pConfig[ct.Addr]{
			ListenAddr: "/ip4/127.0.0.1/tcp/0",
			Self:       id,
		})
		if err != nil {
			t.Fatalf("%s: libp2p init failed: %v", id, err)
		}
		defer net.Close()
		networks[i] = net

		engine := consensus.NewEngine[ct.Addr, ct.Payload](
			id,
			storage.NewMemoryShardStore[ct.Addr, ct.Payload](),
			ct.StaticEpochs{Epoch: 1, Members: ids},
			net,
			execution.NewProcessor[ct.Payload](nil),
			crypto.DummySignatureService[ct.Addr]{},
			consensus.NewPacemaker(30*time.Second, util.RealClock{}),
		)
		net.SetInbound(engine.Inbound())
		ch, unsubscribe := engine.Events.Subscribe(4)
		defer unsubscribe()
		engines[i], subs[i] = engine, ch
	}

	for i := range networks {
		for j := i + 1; j < len(networks); j++ {
			if err := networks[i].Connect(ctx, networks[j].Addrs()[0]); err != nil {
				t.Fatalf("connect %s <-> %s: %v", ids[i], ids[j], err)
			}
		}
	}

	// Announce until every validator can address the other three.
	deadline := time.Now().Add(20 * time.Second)
	for {
		ready := true
		for _, n := range networks {
			if n.KnownPeers() < len(ids)-1 {
				ready = false
			}
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("validators never learned each other's identities")
		}
		for _, n := range networks {
			_ = n.Announce(ctx)
		}
		time.Sleep(200 * time.Millisecond)
	}

	for _, e := range engines {
		e := e
		go e.Run(ctx)
	}

	p := ct.NewPayload("create", consensus.SubstateChangeCreate, ct.Shard(1))
	for _, e := range engines {
		if err := e.SubmitPayload(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	for i, ch := range subs {
		select {
		case ev := <-ch:
			if ev.PayloadId != consensus.PayloadIdOf(p) || !ev.Result.Accepted() {
				t.Fatalf("%s: event = %+v", ids[i], ev)
			}
		case <-ctx.Done():
			t.Fatalf("%s: timed out waiting for finalization", ids[i])
		}
	}
}
