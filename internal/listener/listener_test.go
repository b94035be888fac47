package listener

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"logcollector/internal/types"
)

type fakeSink struct {
	mu      sync.Mutex
	records map[string][]string
}

func newFakeSink() *fakeSink { return &fakeSink{records: map[string][]string{}} }

func (f *fakeSink) Enqueue(sourceID, record string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[sourceID] = append(f.records[sourceID], record)
}

func (f *fakeSink) get(sourceID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.records[sourceID]))
	copy(out, f.records[sourceID])
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestUDPAdmitsKnownPeer(t *testing.T) {
	port := freePort(t)
	sink := newFakeSink()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool := New(logger, 50*time.Millisecond, time.Second, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx, []*types.Source{
		{ID: "src1", Port: port, Protocol: types.ProtocolUDP, PeerIP: "127.0.0.1"},
	})

	require.Eventually(t, func() bool {
		_, ok := pool.Status()[port]
		return ok
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello from allowed peer"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.get("src1")) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"hello from allowed peer"}, sink.get("src1"))

	cancel()
	pool.Wait()
}

// S3: a datagram from a peer IP not registered against the port is dropped
// and never reaches the sink.
func TestUDPDropsUnauthorizedPeer(t *testing.T) {
	port := freePort(t)
	sink := newFakeSink()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool := New(logger, 50*time.Millisecond, time.Second, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx, []*types.Source{
		{ID: "src1", Port: port, Protocol: types.ProtocolUDP, PeerIP: "10.0.0.99"},
	})

	require.Eventually(t, func() bool {
		_, ok := pool.Status()[port]
		return ok
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello from unauthorized peer"))
	require.NoError(t, err)

	require.Never(t, func() bool {
		return len(sink.get("src1")) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)

	cancel()
	pool.Wait()
}

// S3: a TCP connection from an unregistered peer IP is closed without any
// record reaching the sink.
func TestTCPClosesUnauthorizedPeer(t *testing.T) {
	port := freePort(t)
	sink := newFakeSink()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool := New(logger, 50*time.Millisecond, time.Second, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx, []*types.Source{
		{ID: "src1", Port: port, Protocol: types.ProtocolTCP, PeerIP: "10.0.0.99"},
	})

	require.Eventually(t, func() bool {
		_, ok := pool.Status()[port]
		return ok
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, _ = conn.Write([]byte("hello from unauthorized peer\n"))

	require.Never(t, func() bool {
		return len(sink.get("src1")) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)

	cancel()
	pool.Wait()
}

func TestTCPFramesOnNewline(t *testing.T) {
	port := freePort(t)
	sink := newFakeSink()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	pool := New(logger, 50*time.Millisecond, time.Second, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx, []*types.Source{
		{ID: "src1", Port: port, Protocol: types.ProtocolTCP, PeerIP: "127.0.0.1"},
	})

	require.Eventually(t, func() bool {
		_, ok := pool.Status()[port]
		return ok
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.get("src1")) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"line one", "line two"}, sink.get("src1"))

	cancel()
	pool.Wait()
}
