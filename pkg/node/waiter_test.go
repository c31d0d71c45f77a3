package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
	"github.com/uhyunpark/shardbft/pkg/storage"
)

func TestWaitForResultTimesOut(t *testing.T) {
	w := NewWaiter(consensus.NewEventBus())
	_, err := w.WaitForResult(context.Background(), consensus.PayloadId{1}, 10*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
}

func TestWaitForResultUnboundedEndsWithContext(t *testing.T) {
	w := NewWaiter(consensus.NewEventBus())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.WaitForResult(ctx, consensus.PayloadId{1}, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestWaitForResultFromEvents(t *testing.T) {
	bus := consensus.NewEventBus()
	w := NewWaiter(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	id := consensus.PayloadId{7}
	got := make(chan consensus.FinalizeResult, 1)
	go func() {
		r, err := w.WaitForResult(ctx, id, 0)
		if err == nil {
			got <- r
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(consensus.HotStuffEvent{
		Type:      consensus.EventOnFinalized,
		PayloadId: id,
		Shard:     ct.Shard(1),
		Result: consensus.FinalizeResult{
			PayloadId: id,
			Decision:  consensus.DecisionAccept,
			Changes:   map[consensus.ShardId]consensus.SubstateState{ct.Shard(1): consensus.Down(id)},
		},
	})

	select {
	case r := <-got:
		if !r.Changes[ct.Shard(1)].IsDown() {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}

	if _, ok := w.Result(id); !ok {
		t.Fatal("result not kept for late callers")
	}
}

func TestShardResultsAreMerged(t *testing.T) {
	w := NewWaiter(consensus.NewEventBus())
	id := consensus.PayloadId{3}
	w.Expect(id, []consensus.ShardId{ct.Shard(1), ct.Shard(2)})
	w.Record(ct.Shard(1), consensus.FinalizeResult{PayloadId: id, Decision: consensus.DecisionAccept,
		Changes: map[consensus.ShardId]consensus.SubstateState{ct.Shard(1): consensus.Down(id)}})
	w.Record(ct.Shard(2), consensus.FinalizeResult{PayloadId: id, Decision: consensus.DecisionReject, Reason: "object is Down",
		Changes: map[consensus.ShardId]consensus.SubstateState{}})

	r, ok := w.Result(id)
	if !ok {
		t.Fatal("no result")
	}
	if r.Accepted() || r.Reason != "object is Down" || len(r.Changes) != 1 {
		t.Fatalf("merged = %+v", r)
	}
}

func TestWaiterWakesAfterEveryExpectedShard(t *testing.T) {
	w := NewWaiter(consensus.NewEventBus())
	id := consensus.PayloadId{4}
	w.Expect(id, []consensus.ShardId{ct.Shard(1), ct.Shard(2)})

	got := make(chan consensus.FinalizeResult, 1)
	go func() {
		r, err := w.WaitForResult(context.Background(), id, 5*time.Second)
		if err == nil {
			got <- r
		}
	}()
	time.Sleep(10 * time.Millisecond)

	w.Record(ct.Shard(1), consensus.FinalizeResult{PayloadId: id, Decision: consensus.DecisionAccept,
		Changes: map[consensus.ShardId]consensus.SubstateState{ct.Shard(1): consensus.Down(id)}})
	select {
	case r := <-got:
		t.Fatalf("woke after one of two shards: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
	if _, ok := w.Result(id); ok {
		t.Fatal("partial result exposed")
	}

	w.Record(ct.Shard(2), consensus.FinalizeResult{PayloadId: id, Decision: consensus.DecisionReject, Reason: "object is Down",
		Changes: map[consensus.ShardId]consensus.SubstateState{ct.Shard(2): consensus.Up(id, []byte("obj"), nil)}})
	select {
	case r := <-got:
		if r.Accepted() || r.Reason != "object is Down" {
			t.Fatalf("decision = %v %q, want reject", r.Decision, r.Reason)
		}
		if len(r.Changes) != 2 {
			t.Fatalf("changes = %v, want both shards", r.Changes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestPayloadShardsResolvesLocalShards(t *testing.T) {
	store := storage.NewMemoryShardStore[ct.Addr, ct.Payload]()
	p := ct.NewPayload("xfer", consensus.SubstateChangeCreate, ct.Shard(1), ct.Shard(2))
	id := consensus.PayloadIdOf(p)
	if err := consensus.WithTx(store, func(tx consensus.ShardStoreTx[ct.Addr, ct.Payload]) error {
		return tx.SetPayload(p)
	}); err != nil {
		t.Fatal(err)
	}

	resolver := PayloadShards[ct.Addr, ct.Payload]{
		Store:  store,
		Epochs: ct.StaticEpochs{Epoch: 1, Members: []ct.Addr{"a", "b"}},
		Self:   "a",
	}
	shards, err := resolver.ExpectedShards(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(shards) != 2 {
		t.Fatalf("shards = %v", shards)
	}

	w := NewWaiter(consensus.NewEventBus())
	w.Shards = resolver
	w.Record(ct.Shard(2), consensus.FinalizeResult{PayloadId: id, Decision: consensus.DecisionAccept})
	if _, ok := w.Result(id); ok {
		t.Fatal("completed before shard 1 reported")
	}
	w.Record(ct.Shard(1), consensus.FinalizeResult{PayloadId: id, Decision: consensus.DecisionAccept})
	if r, ok := w.Result(id); !ok || !r.Accepted() {
		t.Fatalf("result = %+v, %v", r, ok)
	}

	resolver.Self = "z"
	if shards, err := resolver.ExpectedShards(id); err != nil || len(shards) != 0 {
		t.Fatalf("non-member shards = %v, %v", shards, err)
	}
}
