// Package pubsub fans indexing signals out to API subscribers. Delivery is
// at-most-once and in commit order per publisher; subscribers that stop
// draining are dropped.
package pubsub

import (
	"errors"
	"sync"

	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/google/uuid"
)

// BlockIndexed is published after each block commit.
type BlockIndexed struct {
	Height           uint32
	MaxTransactionID int64
	CaughtUp         bool
}

// UnshieldedUtxoIndexed is published per affected owner address after each
// block commit.
type UnshieldedUtxoIndexed struct {
	Address ledger.Bytes32
}

// ErrSubscriberLagging is delivered to the API layer when a subscriber's
// buffer overflows and it is dropped.
var ErrSubscriberLagging = errors.New("subscriber dropped: lagging behind publisher")

const subscriberBuffer = 64

// Subscription is one subscriber handle. Receive from C; a closed C means
// the subscriber was dropped (check Err) or the bus shut down.
type Subscription[T any] struct {
	ID string
	C  <-chan T

	ch      chan T
	err     error
	errOnce sync.Once
}

// Err reports why the subscription ended, nil for a clean close.
func (s *Subscription[T]) Err() error {
	return s.err
}

func (s *Subscription[T]) fail(err error) {
	s.errOnce.Do(func() { s.err = err })
}

// Publisher is a typed fan-out channel.
type Publisher[T any] struct {
	mu          sync.Mutex
	subscribers map[string]*Subscription[T]
	closed      bool
}

func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subscribers: make(map[string]*Subscription[T])}
}

// Subscribe registers a new subscriber.
func (p *Publisher[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, subscriberBuffer)
	sub := &Subscription[T]{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return sub
	}
	p.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher[T]) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscribers[id]; ok {
		delete(p.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers to all subscribers without blocking the indexer: a
// subscriber with a full buffer is dropped with ErrSubscriberLagging.
func (p *Publisher[T]) Publish(payload T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subscribers {
		select {
		case sub.ch <- payload:
		default:
			sub.fail(ErrSubscriberLagging)
			delete(p.subscribers, id)
			close(sub.ch)
		}
	}
}

// Close drops all subscribers cleanly.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, sub := range p.subscribers {
		delete(p.subscribers, id)
		close(sub.ch)
	}
}

// Bus bundles the two publishers: BlockIndexed broadcast to everyone and
// UnshieldedUtxoIndexed demultiplexed per address.
type Bus struct {
	blocks *Publisher[BlockIndexed]

	mu     sync.Mutex
	utxoSubs map[ledger.Bytes32]map[string]*Subscription[UnshieldedUtxoIndexed]
}

func NewBus() *Bus {
	return &Bus{
		blocks:   NewPublisher[BlockIndexed](),
		utxoSubs: make(map[ledger.Bytes32]map[string]*Subscription[UnshieldedUtxoIndexed]),
	}
}

// SubscribeBlocks registers for BlockIndexed events.
func (b *Bus) SubscribeBlocks() *Subscription[BlockIndexed] {
	return b.blocks.Subscribe()
}

// UnsubscribeBlocks removes a BlockIndexed subscriber.
func (b *Bus) UnsubscribeBlocks(id string) {
	b.blocks.Unsubscribe(id)
}

// PublishBlockIndexed broadcasts a committed block.
func (b *Bus) PublishBlockIndexed(event BlockIndexed) {
	b.blocks.Publish(event)
}

// SubscribeUnshieldedUtxos registers for UTXO events of one address.
func (b *Bus) SubscribeUnshieldedUtxos(address ledger.Bytes32) *Subscription[UnshieldedUtxoIndexed] {
	ch := make(chan UnshieldedUtxoIndexed, subscriberBuffer)
	sub := &Subscription[UnshieldedUtxoIndexed]{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.utxoSubs[address]
	if subs == nil {
		subs = make(map[string]*Subscription[UnshieldedUtxoIndexed])
		b.utxoSubs[address] = subs
	}
	subs[sub.ID] = sub
	return sub
}

// UnsubscribeUnshieldedUtxos removes a per-address subscriber.
func (b *Bus) UnsubscribeUnshieldedUtxos(address ledger.Bytes32, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.utxoSubs[address]; ok {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(b.utxoSubs, address)
		}
	}
}

// PublishUnshieldedUtxoIndexed delivers to the subscribers of one address.
func (b *Bus) PublishUnshieldedUtxoIndexed(event UnshieldedUtxoIndexed) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.utxoSubs[event.Address]
	for id, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			sub.fail(ErrSubscriberLagging)
			delete(subs, id)
			close(sub.ch)
		}
	}
}

// Close shuts down both channels.
func (b *Bus) Close() {
	b.blocks.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for address, subs := range b.utxoSubs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
		delete(b.utxoSubs, address)
	}
}
