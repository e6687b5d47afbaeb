package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loci-run/loci/locality"
	"github.com/loci-run/loci/parcel"
	"github.com/loci-run/loci/transport"
)

func TestLoopback(t *testing.T) {
	received := make(chan *parcel.Parcel, 1)

	conf := transport.DefaultConfig()
	conf.BindAddr = "127.0.0.1:0"
	conf.Handler = func(p *parcel.Parcel) {
		received <- p
	}

	tr, err := transport.Listen(conf)
	require.NoError(t, err)

	go tr.Serve()

	defer func() {
		require.NoError(t, tr.Close())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, tr.Addr())
	require.NoError(t, err)

	defer func() {
		_ = conn.Close()
	}()

	sent := &parcel.Parcel{
		Kind:   parcel.KindRegister,
		Source: locality.NewAddress("127.0.0.1:4000", 1),
		Dest:   locality.BootstrapAddress(tr.Addr()),
	}

	payload, err := parcel.Marshal(sent)
	require.NoError(t, err)
	require.NoError(t, conn.Send(payload))

	select {
	case got := <-received:
		assert.Equal(t, sent, got)
	case <-time.After(5 * time.Second):
		t.Fatal("parcel was not received")
	}
}

func TestSendAfterClose(t *testing.T) {
	received := make(chan *parcel.Parcel, 1)

	conf := transport.DefaultConfig()
	conf.BindAddr = "127.0.0.1:0"
	conf.Handler = func(p *parcel.Parcel) {
		received <- p
	}

	tr, err := transport.Listen(conf)
	require.NoError(t, err)

	go tr.Serve()

	conn, err := transport.Dial(context.Background(), tr.Addr())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Send([]byte("payload")), transport.ErrClosed)

	require.NoError(t, tr.Close())
}

func TestCloseUnblocksServe(t *testing.T) {
	conf := transport.DefaultConfig()
	conf.BindAddr = "127.0.0.1:0"
	conf.Handler = func(p *parcel.Parcel) {}

	tr, err := transport.Listen(conf)
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		tr.Serve()
		close(done)
	}()

	conn, err := transport.Dial(context.Background(), tr.Addr())
	require.NoError(t, err)

	defer func() {
		_ = conn.Close()
	}()

	require.NoError(t, tr.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after close")
	}
}

func TestListen_NoHandler(t *testing.T) {
	conf := transport.DefaultConfig()
	conf.BindAddr = "127.0.0.1:0"

	_, err := transport.Listen(conf)
	require.Error(t, err)
}
