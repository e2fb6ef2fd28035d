package util

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateListener(t *testing.T) {
	l, err := CreateListener(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	addr := l.Addr().String()
	accepted := make(chan struct{})
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	c.Close()
	<-accepted
}

func TestCreateListener_UnsupportedNetwork(t *testing.T) {
	_, err := CreateListener(context.Background(), "udp", "127.0.0.1:0")
	assert.ErrorContains(t, err, "unsupported network type")
}

func TestCreateListener_AddrInUse(t *testing.T) {
	first, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	_, err = CreateListener(context.Background(), "tcp", first.Addr().String())
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err), "expected EADDRINUSE, got %v", err)
}
