// Package consensustest provides small address and payload types for tests
// of code generic over consensus.NodeAddressable and consensus.Payload.
package consensustest

import (
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/uhyunpark/shardbft/pkg/consensus"
)

type Addr string

func (a Addr) Bytes() []byte  { return []byte(a) }
func (a Addr) String() string { return string(a) }

// Payload touches every shard in Shards with the same change.
type Payload struct {
	Name   string                   `json:"name"`
	Shards []consensus.ShardId      `json:"shards"`
	Change consensus.SubstateChange `json:"change"`
}

func NewPayload(name string, change consensus.SubstateChange, shards ...consensus.ShardId) Payload {
	return Payload{Name: name, Shards: shards, Change: change}
}

func (p Payload) InvolvedShards() []consensus.ShardId { return p.Shards }

func (p Payload) ObjectsForShard(shard consensus.ShardId) (consensus.SubstateChange, consensus.ObjectClaim, bool) {
	for _, s := range p.Shards {
		if s == shard {
			return p.Change, consensus.ObjectClaim{}, true
		}
	}
	return 0, consensus.ObjectClaim{}, false
}

func (p Payload) MaxOutputs() uint32 { return uint32(len(p.Shards)) }

func (p Payload) ConsensusHash() [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(p.Name))
	h.Write([]byte{byte(p.Change)})
	for _, s := range p.Shards {
		h.Write(s[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Shard returns a shard id whose first byte is b.
func Shard(b byte) consensus.ShardId {
	var s consensus.ShardId
	s[0] = b
	return s
}

var (
	_ consensus.Payload = Payload{}
	_                   = consensus.NewCommittee[Addr]
)

// StaticEpochs serves one committee, every member of Members, for all shards.
type StaticEpochs struct {
	Epoch   consensus.Epoch
	Members []Addr
}

func (s StaticEpochs) CurrentEpoch() consensus.Epoch { return s.Epoch }

func (s StaticEpochs) IsEpochValid(e consensus.Epoch) bool {
	if e > s.Epoch {
		return e-s.Epoch <= 10
	}
	return s.Epoch-e <= 10
}

func (s StaticEpochs) GetCommittee(_ consensus.Epoch, _ consensus.ShardId) (consensus.Committee[Addr], error) {
	return consensus.NewCommittee(s.Members), nil
}

// FakeClock is a manually advanced clock. Tickers are real.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock() *FakeClock { return &FakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *FakeClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

var _ consensus.EpochManager[Addr] = StaticEpochs{}
