package consensus_test

import (
	"testing"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	ct "github.com/uhyunpark/shardbft/pkg/consensus/consensustest"
)

func TestQuorumThreshold(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 1, 2: 2, 3: 3, 4: 3, 5: 4, 7: 5, 10: 7} {
		members := make([]ct.Addr, n)
		for i := range members {
			members[i] = ct.Addr(rune('a' + i))
		}
		if got := consensus.NewCommittee(members).QuorumThreshold(); got != want {
			t.Errorf("n=%d threshold=%d, want %d", n, got, want)
		}
	}
}

func TestPayloadLeaderStrategy(t *testing.T) {
	c := consensus.NewCommittee([]ct.Addr{"a", "b", "c", "d"})
	s := consensus.PayloadLeaderStrategy[ct.Addr]{}
	id := consensus.PayloadId{2}

	first, ok := s.LeaderOf(c, id, ct.Shard(1), 0)
	if !ok || first != "c" {
		t.Fatalf("leader = %s, want c", first)
	}
	next, _ := s.LeaderOf(c, id, ct.Shard(1), 1)
	if next != "d" {
		t.Fatalf("round 1 leader = %s, want d", next)
	}
	wrap, _ := s.LeaderOf(c, id, ct.Shard(1), 2)
	if wrap != "a" {
		t.Fatalf("round 2 leader = %s, want a", wrap)
	}
	if _, ok := s.LeaderOf(consensus.NewCommittee[ct.Addr](nil), id, ct.Shard(1), 0); ok {
		t.Fatal("empty committee has no leader")
	}
	if !consensus.IsLeader[ct.Addr](s, "c", c, id, ct.Shard(1), 0) {
		t.Fatal("IsLeader disagrees with LeaderOf")
	}
}

func TestEventBus(t *testing.T) {
	bus := consensus.NewEventBus()
	ch, cancel := bus.Subscribe(1)
	ev := consensus.HotStuffEvent{Type: consensus.EventOnFinalized, PayloadId: consensus.PayloadId{1}}

	if dropped := bus.Publish(ev); dropped != 0 {
		t.Fatalf("dropped = %d", dropped)
	}
	if dropped := bus.Publish(ev); dropped != 1 {
		t.Fatalf("full subscriber should drop, dropped = %d", dropped)
	}
	if got := <-ch; got.PayloadId != ev.PayloadId {
		t.Fatalf("got %+v", got)
	}
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel open after cancel")
	}
	cancel()
}
