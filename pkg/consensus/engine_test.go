package consensus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/crypto"
	"github.com/uhyunpark/shardbft/pkg/execution"
	"github.com/uhyunpark/shardbft/pkg/storage"
)

type engine = consensus.Engine[ct.Addr, ct.Payload]
type message = consensus.HotStuffMessage[ct.Addr, ct.Payload]

// hub delivers messages between in-process engines in send order.
type hub struct {
	mu      sync.Mutex
	engines map[ct.Addr]*engine
	sent    []message
	drop    bool
}

func (h *hub) Send(ctx context.Context, _, to ct.Addr, msg message) error {
	h.mu.Lock()
	h.sent = append(h.sent, msg)
	target, ok := h.engines[to]
	drop := h.drop
	h.mu.Unlock()
	if drop {
		return nil
	}
	if !ok {
		return fmt.Errorf("unknown peer %s", to)
	}
	select {
	case target.Inbound() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hub) Broadcast(ctx context.Context, from ct.Addr, committee []ct.Addr, msg message) error {
	for _, to := range committee {
		if err := h.Send(ctx, from, to, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *hub) sentMessages() []message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message(nil), h.sent...)
}

func newEngine(id ct.Addr, members []ct.Addr, net consensus.OutboundService[ct.Addr, ct.Payload]) (*engine, *storage.MemoryShardStore[ct.Addr, ct.Payload]) {
	store := storage.NewMemoryShardStore[ct.Addr, ct.Payload]()
	e := consensus.NewEngine[ct.Addr, ct.Payload](
		id,
		store,
		ct.StaticEpochs{Epoch: 1, Members: members},
		net,
		execution.NewProcessor[ct.Payload](nil),
		crypto.DummySignatureService[ct.Addr]{},
		consensus.NewPacemaker(time.Minute, ct.NewFakeClock()),
	)
	return e, store
}

func run(t *testing.T, engines ...*engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *engine) {
			defer wg.Done()
			e.Run(ctx)
		}(e)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return cancel
}

func waitFinalized(t *testing.T, ch <-chan consensus.HotStuffEvent) consensus.HotStuffEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for finalization")
	}
	return consensus.HotStuffEvent{}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// payloadLedBy returns a payload on shard whose round-0 leader is want.
func payloadLedBy(t *testing.T, want ct.Addr, members []ct.Addr, shard consensus.ShardId, change consensus.SubstateChange) ct.Payload {
	t.Helper()
	c := consensus.NewCommittee(members)
	for i := 0; i < 1000; i++ {
		p := ct.NewPayload(fmt.Sprintf("p%d", i), change, shard)
		if leader, _ := (consensus.PayloadLeaderStrategy[ct.Addr]{}).LeaderOf(c, consensus.PayloadIdOf(p), shard, 0); leader == want {
			return p
		}
	}
	t.Fatalf("no payload led by %s", want)
	return ct.Payload{}
}

func TestSingleValidatorFinalizes(t *testing.T) {
	shard := ct.Shard(1)
	e, store := newEngine("v1", []ct.Addr{"v1"}, &hub{})
	events, cancelSub := e.Events.Subscribe(4)
	defer cancelSub()
	run(t, e)

	p := ct.NewPayload("create", consensus.SubstateChangeCreate, shard)
	if err := e.SubmitPayload(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	ev := waitFinalized(t, events)
	if ev.Type != consensus.EventOnFinalized || ev.PayloadId != consensus.PayloadIdOf(p) || ev.Shard != shard {
		t.Fatalf("event = %+v", ev)
	}
	if !ev.Result.Accepted() || ev.Height != consensus.DecideHeight {
		t.Fatalf("result = %+v at height %d", ev.Result, ev.Height)
	}

	err := consensus.View[ct.Addr, ct.Payload](store, func(tx consensus.ShardStoreTx[ct.Addr, ct.Payload]) error {
		row, err := tx.GetSubstateState(shard)
		if err != nil {
			return err
		}
		if !row.Substate.IsUp() || row.PayloadId != consensus.PayloadIdOf(p) {
			t.Errorf("substate = %+v", row)
		}
		if h, _ := tx.GetLastExecutedHeight(shard); h != 4 {
			t.Errorf("last executed = %d", h)
		}
		if _, h, _ := tx.GetLockedNodeHashAndHeight(shard); h != 2 {
			t.Errorf("locked height = %d, want 2", h)
		}
		if h, _, _ := tx.GetLastVotedHeight(shard); h != 3 {
			t.Errorf("voted height = %d, want 3", h)
		}
		if qc, _ := tx.GetHighQcFor(shard); qc.PayloadHeight != consensus.CommitHeight {
			t.Errorf("high qc payload height = %d", qc.PayloadHeight)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSingleValidatorSequentialPayloads(t *testing.T) {
	shard := ct.Shard(1)
	e, store := newEngine("v1", []ct.Addr{"v1"}, &hub{})
	events, cancelSub := e.Events.Subscribe(4)
	defer cancelSub()
	run(t, e)

	create := ct.NewPayload("create", consensus.SubstateChangeCreate, shard)
	destroy := ct.NewPayload("destroy", consensus.SubstateChangeDestroy, shard)
	e.SubmitPayload(context.Background(), create)
	waitFinalized(t, events)
	e.SubmitPayload(context.Background(), destroy)
	ev := waitFinalized(t, events)
	if ev.PayloadId != consensus.PayloadIdOf(destroy) || !ev.Result.Accepted() {
		t.Fatalf("second event = %+v", ev)
	}
	if ev.Height != 8 {
		t.Fatalf("second decide at height %d, want 8", ev.Height)
	}

	consensus.View[ct.Addr, ct.Payload](store, func(tx consensus.ShardStoreTx[ct.Addr, ct.Payload]) error {
		row, err := tx.GetSubstateState(shard)
		if err != nil || !row.Substate.IsDown() {
			t.Errorf("substate = %+v, %v; want Down", row, err)
		}
		return nil
	})
}

func TestFourValidatorsFinalize(t *testing.T) {
	shard := ct.Shard(1)
	members := []ct.Addr{"v1", "v2", "v3", "v4"}
	net := &hub{engines: make(map[ct.Addr]*engine)}
	var (
		engines []*engine
		subs    []<-chan consensus.HotStuffEvent
	)
	for _, id := range members {
		e, _ := newEngine(id, members, net)
		net.engines[id] = e
		ch, cancelSub := e.Events.Subscribe(4)
		defer cancelSub()
		engines = append(engines, e)
		subs = append(subs, ch)
	}
	run(t, engines...)

	p := ct.NewPayload("create", consensus.SubstateChangeCreate, shard)
	for _, e := range engines {
		e.SubmitPayload(context.Background(), p)
	}
	for i, ch := range subs {
		ev := waitFinalized(t, ch)
		if ev.PayloadId != consensus.PayloadIdOf(p) || !ev.Result.Accepted() {
			t.Fatalf("validator %s event = %+v", members[i], ev)
		}
	}
}

func TestConflictingPayloadRefused(t *testing.T) {
	shard := ct.Shard(1)
	members := []ct.Addr{"v1", "v2", "v3", "v4"}
	// peers never answer, so the first payload stays pledged at Prepare
	net := &hub{drop: true}
	e, store := newEngine("v1", members, net)
	run(t, e)

	first := payloadLedBy(t, "v1", members, shard, consensus.SubstateChangeCreate)
	second := payloadLedBy(t, "v1", members, shard, consensus.SubstateChangeExists)
	e.SubmitPayload(context.Background(), first)
	e.SubmitPayload(context.Background(), second)

	eventually(t, "pledge conflict", func() bool { return testutil.ToFloat64(e.Metrics.PledgeConflicts) >= 1 })

	consensus.View[ct.Addr, ct.Payload](store, func(tx consensus.ShardStoreTx[ct.Addr, ct.Payload]) error {
		if _, ok, _ := tx.GetLeaderProposals(consensus.PayloadIdOf(first), consensus.PrepareHeight, shard); !ok {
			t.Error("first payload was not proposed")
		}
		if _, ok, _ := tx.GetLeaderProposals(consensus.PayloadIdOf(second), consensus.PrepareHeight, shard); ok {
			t.Error("conflicting payload was proposed")
		}
		return nil
	})
}

func TestReplicaVotesOnlyForLeader(t *testing.T) {
	shard := ct.Shard(1)
	members := []ct.Addr{"v1", "v2", "v3", "v4"}
	net := &hub{drop: true}
	e, _ := newEngine("v1", members, net)
	run(t, e)

	p := payloadLedBy(t, "v2", members, shard, consensus.SubstateChangeCreate)
	id := consensus.PayloadIdOf(p)
	pledge := consensus.ObjectPledge{ShardId: shard, CurrentState: consensus.DoesNotExist(), PledgedToPayload: id, PledgedUntil: 4}
	proposal := func(from ct.Addr) message {
		n := consensus.NewTreeNode[ct.Addr, ct.Payload](consensus.TreeNodeHash{}, shard, 1, id, &p, 1, &pledge, 1, from, consensus.GenesisQC(1))
		return consensus.NewProposalMessage(from, n, 0)
	}

	e.Inbound() <- proposal("v3")
	e.Inbound() <- proposal("v2")

	eventually(t, "vote", func() bool {
		for _, m := range net.sentMessages() {
			if m.Type == consensus.MessageVote {
				return true
			}
		}
		return false
	})
	var votes []message
	for _, m := range net.sentMessages() {
		if m.Type == consensus.MessageVote {
			votes = append(votes, m)
		}
	}
	if len(votes) != 1 {
		t.Fatalf("votes = %d, want 1", len(votes))
	}
	if votes[0].From != "v1" || votes[0].Vote.Shard != shard {
		t.Fatalf("vote = %+v", votes[0])
	}
	if got := testutil.ToFloat64(e.Metrics.Rejected.WithLabelValues("invalid_proposal")); got != 1 {
		t.Fatalf("rejected proposals = %v, want 1", got)
	}

	// the same proposal again must not earn a second vote
	e.Inbound() <- proposal("v2")
	time.Sleep(50 * time.Millisecond)
	count := 0
	for _, m := range net.sentMessages() {
		if m.Type == consensus.MessageVote {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("votes after replay = %d, want 1", count)
	}
}
