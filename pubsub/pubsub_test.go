package pubsub

import (
	"testing"
	"time"

	"github.com/containerman17/midnight-indexer/ledger"
)

func addr(b byte) ledger.Bytes32 {
	var a ledger.Bytes32
	a[0] = b
	return a
}

func TestBlockIndexedDeliveryOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.SubscribeBlocks()
	defer bus.UnsubscribeBlocks(sub.ID)

	for height := uint32(0); height < 10; height++ {
		bus.PublishBlockIndexed(BlockIndexed{Height: height, MaxTransactionID: int64(height)})
	}

	for want := uint32(0); want < 10; want++ {
		select {
		case event := <-sub.C:
			if event.Height != want {
				t.Fatalf("height = %d, want %d (commit order)", event.Height, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for height %d", want)
		}
	}
}

func TestUnshieldedUtxoDemux(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	alice := addr(1)
	bob := addr(2)

	aliceSub := bus.SubscribeUnshieldedUtxos(alice)
	defer bus.UnsubscribeUnshieldedUtxos(alice, aliceSub.ID)
	bobSub := bus.SubscribeUnshieldedUtxos(bob)
	defer bus.UnsubscribeUnshieldedUtxos(bob, bobSub.ID)

	bus.PublishUnshieldedUtxoIndexed(UnshieldedUtxoIndexed{Address: alice})

	select {
	case event := <-aliceSub.C:
		if event.Address != alice {
			t.Fatal("wrong address")
		}
	case <-time.After(time.Second):
		t.Fatal("alice did not receive her event")
	}

	select {
	case <-bobSub.C:
		t.Fatal("bob received alice's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLaggingSubscriberDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.SubscribeBlocks()

	// Overflow the buffer without draining.
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.PublishBlockIndexed(BlockIndexed{Height: uint32(i)})
	}

	// Drain: the channel must be closed after the buffered events.
	received := 0
	for range sub.C {
		received++
	}
	if received != subscriberBuffer {
		t.Fatalf("received = %d, want %d buffered events", received, subscriberBuffer)
	}
	if sub.Err() != ErrSubscriberLagging {
		t.Fatalf("err = %v, want ErrSubscriberLagging", sub.Err())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.SubscribeBlocks()
	bus.UnsubscribeBlocks(sub.ID)

	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if sub.Err() != nil {
		t.Fatalf("clean close must not set an error, got %v", sub.Err())
	}

	// Publishing after unsubscribe is a no-op.
	bus.PublishBlockIndexed(BlockIndexed{Height: 1})
}
