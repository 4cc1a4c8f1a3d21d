package editbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// GossipConfig configures a GossipTransport.
type GossipConfig struct {
	ListenAddrs    []string
	BootstrapPeers []string
	TopicPrefix    string

	// Rendezvous enables DHT peer discovery under this namespace. Nodes
	// sharing it find each other through any common bootstrap peer.
	Rendezvous string
}

const discoveryInterval = 30 * time.Second

type gossipTopic struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// GossipTransport runs a libp2p GossipSub topic per document. It needs no
// broker: nodes find each other through the bootstrap peers.
type GossipTransport struct {
	host   host.Host
	ps     *pubsub.PubSub
	dht    *dht.IpfsDHT
	prefix string
	logger *zap.Logger

	stopDiscovery context.CancelFunc
	discoveryDone chan struct{}

	mu     sync.Mutex
	topics map[string]*gossipTopic
}

// NewGossipTransport starts a libp2p host, joins GossipSub and dials the
// bootstrap peers. Unreachable peers are logged and skipped.
func NewGossipTransport(ctx context.Context, config GossipConfig, logger *zap.Logger) (*GossipTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	listen := config.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listen...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}

	t := &GossipTransport{
		host:   h,
		ps:     ps,
		prefix: config.TopicPrefix,
		logger: logger.Named("gossip").With(zap.String("peer_id", h.ID().String())),
		topics: make(map[string]*gossipTopic),
	}
	t.connect(ctx, config.BootstrapPeers)

	if config.Rendezvous != "" {
		if err := t.startDiscovery(config.Rendezvous); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	return t, nil
}

// startDiscovery joins the DHT, advertises the rendezvous namespace and
// periodically dials the peers found under it.
func (t *GossipTransport) startDiscovery(rendezvous string) error {
	ctx, cancel := context.WithCancel(context.Background())
	kdht, err := dht.New(ctx, t.host, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create dht: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		cancel()
		_ = kdht.Close()
		return fmt.Errorf("failed to bootstrap dht: %w", err)
	}

	t.dht = kdht
	t.stopDiscovery = cancel
	t.discoveryDone = make(chan struct{})

	go func() {
		defer close(t.discoveryDone)
		rd := drouting.NewRoutingDiscovery(kdht)
		dutil.Advertise(ctx, rd, rendezvous)

		ticker := time.NewTicker(discoveryInterval)
		defer ticker.Stop()
		for {
			t.discover(ctx, rd, rendezvous)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (t *GossipTransport) discover(ctx context.Context, rd *drouting.RoutingDiscovery, rendezvous string) {
	peers, err := rd.FindPeers(ctx, rendezvous)
	if err != nil {
		t.logger.Debug("Peer discovery failed", zap.Error(err))
		return
	}
	for info := range peers {
		if info.ID == t.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if len(t.host.Network().ConnsToPeer(info.ID)) > 0 {
			continue
		}
		if err := t.host.Connect(ctx, info); err != nil {
			t.logger.Debug("Failed to connect to discovered peer", zap.Stringer("peer", info.ID), zap.Error(err))
			continue
		}
		t.logger.Info("Connected to discovered peer", zap.Stringer("peer", info.ID))
	}
}

func (t *GossipTransport) connect(ctx context.Context, addrs []string) {
	for _, addrStr := range addrs {
		addrStr = strings.TrimSpace(addrStr)
		if addrStr == "" {
			continue
		}

		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			t.logger.Error("Invalid bootstrap peer address", zap.String("addr", addrStr), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			t.logger.Error("Failed to parse peer info", zap.String("addr", addrStr), zap.Error(err))
			continue
		}
		if info.ID == t.host.ID() {
			continue
		}
		if err := t.host.Connect(ctx, *info); err != nil {
			t.logger.Warn("Failed to connect to bootstrap peer", zap.Stringer("peer", info.ID), zap.Error(err))
			continue
		}
		t.logger.Info("Connected to bootstrap peer", zap.Stringer("peer", info.ID))
	}
}

// Addrs returns the host's dialable multiaddrs including its peer id.
func (t *GossipTransport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, t.host.ID()))
	}
	return out
}

// Name implements Transport.
func (t *GossipTransport) Name() string { return TypeGossip }

func (t *GossipTransport) topicName(documentID string) string {
	return t.prefix + documentID
}

// join returns the topic for documentID, joining it if needed. Callers hold mu.
func (t *GossipTransport) join(documentID string) (*gossipTopic, error) {
	if gt, ok := t.topics[documentID]; ok {
		return gt, nil
	}
	topic, err := t.ps.Join(t.topicName(documentID))
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	gt := &gossipTopic{topic: topic}
	t.topics[documentID] = gt
	return gt, nil
}

// Subscribe implements Transport.
func (t *GossipTransport) Subscribe(_ context.Context, documentID string, deliver Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	gt, err := t.join(documentID)
	if err != nil {
		return err
	}
	if gt.sub != nil {
		return nil
	}

	sub, err := gt.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	gt.sub, gt.cancel, gt.done = sub, cancel, make(chan struct{})
	go t.readLoop(ctx, sub, deliver, gt.done)
	return nil
}

func (t *GossipTransport) readLoop(ctx context.Context, sub *pubsub.Subscription, deliver Delivery, done chan struct{}) {
	defer close(done)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		deliver(ctx, msg.Data)
	}
}

// Unsubscribe implements Transport.
func (t *GossipTransport) Unsubscribe(_ context.Context, documentID string) error {
	t.mu.Lock()
	gt, ok := t.topics[documentID]
	if ok {
		delete(t.topics, documentID)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return t.leave(gt)
}

func (t *GossipTransport) leave(gt *gossipTopic) error {
	if gt.sub != nil {
		gt.cancel()
		gt.sub.Cancel()
		<-gt.done
	}
	return gt.topic.Close()
}

// Publish implements Transport.
func (t *GossipTransport) Publish(ctx context.Context, documentID string, payload []byte) error {
	t.mu.Lock()
	gt, err := t.join(documentID)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return gt.topic.Publish(ctx, payload)
}

// Close implements Transport.
func (t *GossipTransport) Close() error {
	t.mu.Lock()
	topics := t.topics
	t.topics = make(map[string]*gossipTopic)
	t.mu.Unlock()

	for documentID, gt := range topics {
		if err := t.leave(gt); err != nil {
			t.logger.Debug("Failed to leave topic", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	if t.dht != nil {
		t.stopDiscovery()
		<-t.discoveryDone
		_ = t.dht.Close()
	}
	return t.host.Close()
}
