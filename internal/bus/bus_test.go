// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Publish(1, Message{Type: MessagePosition, DeviceID: 1})

	select {
	case msg := <-sub.Messages():
		require.Equal(t, MessagePosition, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected message, got none")
	}
}

func TestPublishIsPerDeviceTopic(t *testing.T) {
	b := New()
	subA := b.Subscribe(1)
	subB := b.Subscribe(2)
	defer subA.Close()
	defer subB.Close()

	b.Publish(1, Message{Type: MessageAlert, DeviceID: 1})

	select {
	case <-subA.Messages():
	case <-time.After(time.Second):
		t.Fatal("expected message on device 1's topic")
	}

	select {
	case <-subB.Messages():
		t.Fatal("device 2 should not receive device 1's message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(1, Message{Type: MessagePosition, DeviceID: 1, Payload: i})
	}

	for i := 0; i < 5; i++ {
		msg := <-sub.Messages()
		require.Equal(t, i, msg.Payload)
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(1, Message{Type: MessagePosition, DeviceID: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	require.Greater(t, b.DroppedCount(1), 0)
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	require.Equal(t, 1, b.SubscriberCount(1))

	sub.Close()
	require.Equal(t, 0, b.SubscriberCount(1))
}
