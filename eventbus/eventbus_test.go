package eventbus

import (
	"testing"
	"time"
)

func TestLosslessDeliversInOrder(t *testing.T) {
	bus := New()
	ch := bus.Subscribe("lifecycle", Lossless, 4)

	for i := 0; i < 50; i++ {
		bus.Publish("lifecycle", i)
	}

	for i := 0; i < 50; i++ {
		select {
		case got := <-ch:
			if got != i {
				t.Fatalf("event %d out of order: got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestLossyDropsUnderPressureWithoutBlocking(t *testing.T) {
	bus := New()
	_ = bus.Subscribe("progress", Lossy, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish("progress", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lossy publish blocked")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	go func() {
		bus.Publish("nobody-listening", "event")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with no subscribers blocked")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	ch := bus.Subscribe("topic", Lossless, 1)
	bus.Unsubscribe("topic", ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestIndependentSubscribersEachReceiveEvent(t *testing.T) {
	bus := New()
	a := bus.Subscribe("peers-update", Lossless, 1)
	b := bus.Subscribe("peers-update", Lossless, 1)

	bus.Publish("peers-update", "snapshot-1")

	for _, ch := range []<-chan any{a, b} {
		select {
		case got := <-ch:
			if got != "snapshot-1" {
				t.Fatalf("unexpected event: %v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}
