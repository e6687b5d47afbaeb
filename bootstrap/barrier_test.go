package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-run/loci/conncache"
	"github.com/loci-run/loci/locality"
	"github.com/loci-run/loci/parcel"
)

const rootEndpoint = "root:3000"

func newTestBarrier(sender Sender) *Barrier {
	conf := DefaultConfig()
	conf.BootstrapAddr = locality.BootstrapAddress(rootEndpoint)
	conf.Sender = sender

	return NewBarrier(conf)
}

func userParcel(endpoint string, payload string) *parcel.Parcel {
	return &parcel.Parcel{
		Kind:    parcel.KindUser,
		Dest:    locality.BootstrapAddress(endpoint),
		Payload: []byte(payload),
	}
}

func TestApply_BootstrapAlwaysImmediate(t *testing.T) {
	sender := newMockSender()
	b := newTestBarrier(sender)

	require.False(t, b.IsOpen())
	require.NoError(t, b.Apply(context.Background(), userParcel(rootEndpoint, "register")))

	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, 0, b.Pending())
}

func TestApply_DeferredWhileClosed(t *testing.T) {
	sender := newMockSender()
	b := newTestBarrier(sender)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Apply(context.Background(), userParcel("node1:3000", "deferred")))
	}

	assert.Empty(t, sender.Sent())
	assert.Equal(t, 3, b.Pending())
}

func TestApply_ImmediateWhenOpen(t *testing.T) {
	sender := newMockSender()
	b := newTestBarrier(sender)

	b.Notify()

	require.NoError(t, b.Apply(context.Background(), userParcel("node1:3000", "direct")))

	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, 0, b.Pending())
}

func TestApply_SendFailure(t *testing.T) {
	sender := newMockSender()
	sender.failEndpoint("node1:3000", assert.AnError)
	sender.failEndpoint("node2:3000", conncache.ErrExhausted)

	b := newTestBarrier(sender)
	b.Notify()

	err := b.Apply(context.Background(), userParcel("node1:3000", "payload"))
	assert.ErrorIs(t, err, ErrUnreachable)

	err = b.Apply(context.Background(), userParcel("node2:3000", "payload"))
	assert.ErrorIs(t, err, conncache.ErrExhausted)
}

func TestNotify_FlushPreservesPerDestinationOrder(t *testing.T) {
	sender := newMockSender()
	b := newTestBarrier(sender)

	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, userParcel("a:3000", "a1")))
	require.NoError(t, b.Apply(ctx, userParcel("b:3000", "b1")))
	require.NoError(t, b.Apply(ctx, userParcel("a:3000", "a2")))
	require.NoError(t, b.Apply(ctx, userParcel("b:3000", "b2")))
	require.NoError(t, b.Apply(ctx, userParcel("a:3000", "a3")))

	b.Notify()

	require.Len(t, sender.Sent(), 5)
	assert.Equal(t, 0, b.Pending())

	var aPayloads, bPayloads []string

	for _, p := range sender.SentTo("a:3000") {
		aPayloads = append(aPayloads, string(p.Payload))
	}

	for _, p := range sender.SentTo("b:3000") {
		bPayloads = append(bPayloads, string(p.Payload))
	}

	assert.Equal(t, []string{"a1", "a2", "a3"}, aPayloads)
	assert.Equal(t, []string{"b1", "b2"}, bPayloads)
}

func TestNotify_Idempotent(t *testing.T) {
	sender := newMockSender()
	b := newTestBarrier(sender)

	require.NoError(t, b.Apply(context.Background(), userParcel("node1:3000", "deferred")))

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			b.Notify()
		}()
	}

	wg.Wait()

	<-b.Opened()

	assert.True(t, b.IsOpen())
	assert.Equal(t, 1, b.FlushCount())
	assert.Len(t, sender.Sent(), 1)
}

func TestNotify_NoLostActions(t *testing.T) {
	sender := newMockSender()
	sender.failEndpoint("bad:3000", assert.AnError)

	var (
		mut      sync.Mutex
		failures []Pending
	)

	conf := DefaultConfig()
	conf.BootstrapAddr = locality.BootstrapAddress(rootEndpoint)
	conf.Sender = sender
	conf.OnFailure = func(pend Pending, err error) {
		mut.Lock()
		failures = append(failures, pend)
		mut.Unlock()
	}

	b := NewBarrier(conf)

	ctx := context.Background()

	require.NoError(t, b.Apply(ctx, userParcel("good:3000", "g1")))
	require.NoError(t, b.Apply(ctx, userParcel("bad:3000", "b1")))
	require.NoError(t, b.Apply(ctx, userParcel("good:3000", "g2")))
	require.NoError(t, b.Apply(ctx, userParcel("bad:3000", "b2")))
	require.NoError(t, b.Apply(ctx, userParcel("good:3000", "g3")))

	b.Notify()

	// One failing destination must not abort the rest of the flush.
	assert.Len(t, sender.Sent(), 3)
	assert.Len(t, failures, 2)
	assert.Equal(t, 0, b.Pending())
}

func TestWait_Timeout(t *testing.T) {
	b := newTestBarrier(newMockSender())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx)
	assert.ErrorIs(t, err, ErrBootstrapTimeout)
}

func TestWait_AlreadyOpen(t *testing.T) {
	b := newTestBarrier(newMockSender())
	b.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An expired context does not matter once the barrier is open.
	assert.NoError(t, b.Wait(ctx))
}

func TestWait_NoMissedWakeup(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := newTestBarrier(newMockSender())

		done := make(chan error, 3)

		for j := 0; j < 3; j++ {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				done <- b.Wait(ctx)
			}()
		}

		go b.Notify()

		for j := 0; j < 3; j++ {
			require.NoError(t, <-done)
		}
	}
}

func TestWait_ReleasedAfterFlush(t *testing.T) {
	sender := newMockSender()
	b := newTestBarrier(sender)

	require.NoError(t, b.Apply(context.Background(), userParcel("node1:3000", "deferred")))

	waited := make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = b.Wait(ctx)
		close(waited)
	}()

	b.Notify()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}

	// A resumed waiter must observe all pre-flip parcels already in flight.
	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, 0, b.Pending())
}
