// Package p2p is the publish side of the node's network boundary: it
// joins the three topics the node core announces state on
// (new_transaction, new_block_candidate, new_block_finalized) and
// publishes the canonical binary encoding (pkg/codec) of whatever it is
// given, so the wire bytes a peer receives are the same bytes
// pkg/storage persists. Peer discovery, gossip fan-out, and inbound
// message handling are an external module's job — this package only owns
// the local host and the publish path.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/codec"
)

// Well-known topic names.
const (
	TopicNewTransaction     = "new_transaction"
	TopicNewBlockCandidate  = "new_block_candidate"
	TopicNewBlockFinalized  = "new_block_finalized"
)

// Config configures the local libp2p host. ListenAddrs, when set, are
// explicit multiaddrs (e.g. "/ip4/10.0.0.5/tcp/4001") that override the
// default wildcard-TCP-on-ListenPort address.
type Config struct {
	ListenPort  int
	ListenAddrs []string
}

// Publisher owns a libp2p host and the three topics it publishes to. It
// never subscribes — inbound messages are the external P2P module's
// responsibility to receive and hand to the node core as jobs; nothing on
// the network path touches the UTXO index directly.
type Publisher struct {
	host   host.Host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	topics map[string]*pubsub.Topic
}

// New starts a libp2p host on cfg.ListenPort and joins the three
// well-known topics.
func New(cfg Config) (*Publisher, error) {
	ctx, cancel := context.WithCancel(context.Background())

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 256, rand.Reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: generate host key: %w", err)
	}

	listen := libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if len(cfg.ListenAddrs) > 0 {
		maddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
		for _, s := range cfg.ListenAddrs {
			ma, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("p2p: invalid listen multiaddr %q: %w", s, err)
			}
			maddrs = append(maddrs, ma)
		}
		listen = libp2p.ListenAddrs(maddrs...)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		listen,
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("p2p: create pubsub: %w", err)
	}

	p := &Publisher{host: h, pubsub: ps, ctx: ctx, cancel: cancel, topics: make(map[string]*pubsub.Topic)}
	for _, name := range []string{TopicNewTransaction, TopicNewBlockCandidate, TopicNewBlockFinalized} {
		topic, err := ps.Join(name)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("p2p: join topic %s: %w", name, err)
		}
		p.topics[name] = topic
	}
	return p, nil
}

// PublishTransaction announces an admitted transaction on
// new_transaction, encoded with pkg/codec.
func (p *Publisher) PublishTransaction(tx *block.Transaction) error {
	data, err := codec.EncodeTransaction(tx)
	if err != nil {
		return fmt.Errorf("p2p: encode transaction: %w", err)
	}
	return p.publish(TopicNewTransaction, data)
}

// PublishBlockCandidate announces an unsealed mining candidate on
// new_block_candidate.
func (p *Publisher) PublishBlockCandidate(b *block.Block) error {
	data, err := codec.EncodeBlock(b)
	if err != nil {
		return fmt.Errorf("p2p: encode candidate: %w", err)
	}
	return p.publish(TopicNewBlockCandidate, data)
}

// PublishFinalizedBlock announces a sealed, applied block on
// new_block_finalized.
func (p *Publisher) PublishFinalizedBlock(b *block.Block) error {
	data, err := codec.EncodeBlock(b)
	if err != nil {
		return fmt.Errorf("p2p: encode finalized block: %w", err)
	}
	return p.publish(TopicNewBlockFinalized, data)
}

func (p *Publisher) publish(topicName string, data []byte) error {
	topic, ok := p.topics[topicName]
	if !ok {
		return fmt.Errorf("p2p: not joined to topic %s", topicName)
	}
	return topic.Publish(p.ctx, data)
}

// PeerCount reports how many peers the local host currently sees across
// all joined topics, a coarse liveness signal for monitoring.
func (p *Publisher) PeerCount() int {
	seen := make(map[string]bool)
	for _, topic := range p.topics {
		for _, id := range topic.ListPeers() {
			seen[id.String()] = true
		}
	}
	return len(seen)
}

// Close tears down the pubsub topics and the libp2p host.
func (p *Publisher) Close() error {
	for _, topic := range p.topics {
		topic.Close()
	}
	p.cancel()
	if p.host != nil {
		return p.host.Close()
	}
	return nil
}
