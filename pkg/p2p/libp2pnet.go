package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/util"
)

const (
	topicAnnounce   = "shardbft-announce"
	protocolMessage = protocol.ID("/shardbft/hotstuff/1.0.0")

	broadcastWorkers = 8
	maxMessageSize   = 16 << 20
)

var (
	ErrUnknownPeer = errors.New("no peer announced for validator")
	ErrNoInbound   = errors.New("no inbound channel set")
)

// Libp2pNet is the outbound service over libp2p. Validators find each other
// through identity announcements on a gossipsub topic; messages travel on
// one stream each. Messages to self are handed to the local inbound channel.
type Libp2pNet[A consensus.NodeAddressable, P consensus.Payload] struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self A
	ctx  context.Context

	tAnnounce   *pubsub.Topic
	subAnnounce *pubsub.Subscription
	pool        *workerpool.WorkerPool

	muPeers sync.RWMutex
	peers   map[string]peer.ID

	muIn    sync.RWMutex
	inbound chan<- consensus.HotStuffMessage[A, P]

	connected chan peer.ID
}

type Libp2pConfig[A consensus.NodeAddressable] struct {
	ListenAddr string
	Bootstrap  []string
	Self       A
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet[A consensus.NodeAddressable, P consensus.Payload](ctx context.Context, cfg Libp2pConfig[A]) (*Libp2pNet[A, P], error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Libp2pNet[A, P]{
		h: h, ps: ps, log: util.OrNop(cfg.Logger), self: cfg.Self, ctx: ctx,
		pool:      workerpool.New(broadcastWorkers),
		peers:     make(map[string]peer.ID),
		connected: make(chan peer.ID, 64),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			select {
			case n.connected <- c.RemotePeer():
			default:
			}
		},
	})

	if err := n.joinTopics(); err != nil {
		n.Close()
		return nil, err
	}
	h.SetStreamHandler(protocolMessage, n.handleMessageStream)
	go n.handleAnnounce(ctx)

	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(ctx, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "identity", cfg.Self)
	return n, nil
}

func (n *Libp2pNet[A, P]) joinTopics() error {
	var err error
	if n.tAnnounce, err = n.ps.Join(topicAnnounce); err != nil {
		return err
	}
	if n.subAnnounce, err = n.tAnnounce.Subscribe(); err != nil {
		return err
	}
	return nil
}

// Connect dials a full /p2p/ multiaddr.
func (n *Libp2pNet[A, P]) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *Libp2pNet[A, P]) Host() host.Host { return n.h }

// Addrs returns dialable addresses of this host including its peer id.
func (n *Libp2pNet[A, P]) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

// SetInbound sets where messages for this validator are delivered.
func (n *Libp2pNet[A, P]) SetInbound(ch chan<- consensus.HotStuffMessage[A, P]) {
	n.muIn.Lock()
	n.inbound = ch
	n.muIn.Unlock()
}

// Connected fires when a new peer connection is established.
func (n *Libp2pNet[A, P]) Connected() <-chan peer.ID { return n.connected }

// Announce publishes this validator's identity.
func (n *Libp2pNet[A, P]) Announce(ctx context.Context) error {
	data, err := gobEncode(Announcement{Identity: n.self.Bytes()})
	if err != nil {
		return err
	}
	return n.tAnnounce.Publish(ctx, data)
}

// KnownPeers is how many validator identities map to a peer.
func (n *Libp2pNet[A, P]) KnownPeers() int {
	n.muPeers.RLock()
	defer n.muPeers.RUnlock()
	return len(n.peers)
}

func (n *Libp2pNet[A, P]) peerFor(a A) (peer.ID, bool) {
	n.muPeers.RLock()
	defer n.muPeers.RUnlock()
	id, ok := n.peers[string(a.Bytes())]
	return id, ok
}

func (n *Libp2pNet[A, P]) Send(ctx context.Context, _ A, to A, msg consensus.HotStuffMessage[A, P]) error {
	if to == n.self {
		return n.deliver(ctx, msg)
	}
	pid, ok := n.peerFor(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	stream, err := n.h.NewStream(ctx, pid, protocolMessage)
	if err != nil {
		return err
	}
	defer stream.Close()
	_, err = stream.Write(data)
	return err
}

// Broadcast sends to every member in parallel and reports all failures.
func (n *Libp2pNet[A, P]) Broadcast(ctx context.Context, from A, committee []A, msg consensus.HotStuffMessage[A, P]) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, member := range committee {
		member := member
		wg.Add(1)
		n.pool.Submit(func() {
			defer wg.Done()
			if err := n.Send(ctx, from, member, msg); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("send to %s: %w", member, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

func (n *Libp2pNet[A, P]) deliver(ctx context.Context, msg consensus.HotStuffMessage[A, P]) error {
	n.muIn.RLock()
	ch := n.inbound
	n.muIn.RUnlock()
	if ch == nil {
		return ErrNoInbound
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inbound

func (n *Libp2pNet[A, P]) handleAnnounce(ctx context.Context) {
	for {
		msg, err := n.subAnnounce.Next(ctx)
		if err != nil {
			return
		}
		from := msg.GetFrom()
		if from == n.h.ID() {
			continue
		}
		var a Announcement
		if err := gobDecode(msg.Data, &a); err != nil || len(a.Identity) == 0 {
			continue
		}
		n.muPeers.Lock()
		prev, known := n.peers[string(a.Identity)]
		n.peers[string(a.Identity)] = from
		n.muPeers.Unlock()
		if !known || prev != from {
			n.log.Infow("peer_announced", "identity", fmt.Sprintf("%x", a.Identity), "peer", from.String())
		}
	}
}

func (n *Libp2pNet[A, P]) handleMessageStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, maxMessageSize))
	if err != nil {
		return
	}
	msg, err := DecodeMessage[A, P](data)
	if err != nil {
		n.log.Debugw("message_decode_failed", "peer", s.Conn().RemotePeer().String(), "err", err)
		return
	}
	if err := n.deliver(n.ctx, msg); err != nil {
		n.log.Warnw("message_dropped", "type", msg.Type, "from", msg.From, "err", err)
	}
}

func (n *Libp2pNet[A, P]) Close() error {
	n.pool.StopWait()
	return n.h.Close()
}
