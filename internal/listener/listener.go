// Package listener implements C6: per-port UDP/TCP listeners with per-source
// peer-IP admission control, demultiplexing raw bytes to source queues.
// Grounded on original listener.py.
package listener

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"logcollector/internal/metrics"
	"logcollector/internal/stopper"
	"logcollector/internal/types"
	"logcollector/pkg/collectorerrors"
)

// Sink is the narrow interface the listener pool needs from the processor
// pool: handing off one raw record to a source's queue.
type Sink interface {
	Enqueue(sourceID, record string)
}

// portGroup is every source sharing one (port) across protocols.
type portGroup struct {
	port     int
	udp      map[string]string // peer_ip -> source_id
	tcp      map[string]string
}

// Pool binds one UDP and/or TCP socket per distinct port and demultiplexes
// inbound records by peer IP to source IDs.
type Pool struct {
	logger      *logrus.Logger
	pollTimeout time.Duration
	tcpIdle     time.Duration
	sink        Sink

	wg      sync.WaitGroup
	mu      sync.Mutex
	status  map[int]string // port -> "udp,tcp"
}

// New builds an idle listener pool; Start binds the sockets for a source set.
// pollTimeout bounds how long a read/accept loop blocks before re-checking
// the stop signal.
func New(logger *logrus.Logger, pollTimeout, tcpIdle time.Duration, sink Sink) *Pool {
	return &Pool{logger: logger, pollTimeout: pollTimeout, tcpIdle: tcpIdle, sink: sink, status: map[int]string{}}
}

// Start launches one goroutine per required socket and returns without
// waiting for them to bind; a bound listener shows up in Status. A bind
// failure is logged, that specific listener exits, and others are unaffected
// per spec.md §7.
func (p *Pool) Start(ctx context.Context, sources []*types.Source) {
	groups := buildPortGroups(sources)
	for port, g := range groups {
		if len(g.udp) > 0 {
			p.wg.Add(1)
			go p.runUDP(ctx, port, g.udp)
		}
		if len(g.tcp) > 0 {
			p.wg.Add(1)
			go p.runTCP(ctx, port, g.tcp)
		}
	}
}

// Wait blocks until every listener goroutine has exited (i.e. until ctx is
// cancelled and sockets close), per the "stop within one poll timeout" contract.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func buildPortGroups(sources []*types.Source) map[int]*portGroup {
	groups := make(map[int]*portGroup)
	for _, s := range sources {
		g, ok := groups[s.Port]
		if !ok {
			g = &portGroup{port: s.Port, udp: map[string]string{}, tcp: map[string]string{}}
			groups[s.Port] = g
		}
		switch s.Protocol {
		case types.ProtocolUDP:
			g.udp[s.PeerIP] = s.ID
		case types.ProtocolTCP:
			g.tcp[s.PeerIP] = s.ID
		}
	}
	return groups
}

func (p *Pool) runUDP(ctx context.Context, port int, ipMap map[string]string) {
	defer p.wg.Done()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		p.logger.WithError(err).WithField("port", port).Error(
			collectorerrors.ListenerFault("listener", "bind_udp", "failed to bind UDP listener").Error())
		return
	}
	defer conn.Close()
	p.markStatus(port, "udp")

	stop := stopper.New(ctx)
	buf := make([]byte, 65535)
	for !stop.Stopped() {
		conn.SetReadDeadline(time.Now().Add(p.pollTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		peerIP := addr.IP.String()
		sourceID, ok := ipMap[peerIP]
		if !ok {
			p.logger.WithFields(logrus.Fields{"peer_ip": peerIP, "port": port}).Warn("dropped datagram from unauthorized peer")
			metrics.RecordsDroppedTotal.WithLabelValues("unknown", "unauthorized_peer").Inc()
			continue
		}
		record := decode(buf[:n])
		metrics.RecordsIngestedTotal.WithLabelValues(sourceID, "udp").Inc()
		p.sink.Enqueue(sourceID, record)
	}
}

func (p *Pool) runTCP(ctx context.Context, port int, ipMap map[string]string) {
	defer p.wg.Done()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		p.logger.WithError(err).WithField("port", port).Error(
			collectorerrors.ListenerFault("listener", "bind_tcp", "failed to bind TCP listener").Error())
		return
	}
	defer ln.Close()
	p.markStatus(port, "tcp")

	var connWG sync.WaitGroup
	defer connWG.Wait()

	stop := stopper.New(ctx)
	for !stop.Stopped() {
		ln.SetDeadline(time.Now().Add(p.pollTimeout))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		sourceID, ok := ipMap[peerIP]
		if !ok {
			p.logger.WithFields(logrus.Fields{"peer_ip": peerIP, "port": port}).Warn("closed connection from unauthorized peer")
			conn.Close()
			continue
		}
		connWG.Add(1)
		go func() {
			defer connWG.Done()
			p.handleTCPConn(ctx, conn, sourceID)
		}()
	}
}

// handleTCPConn accumulates bytes, splits on '\n', forwards each non-empty
// segment as a record, and flushes any trailing partial segment on close.
func (p *Pool) handleTCPConn(ctx context.Context, conn net.Conn, sourceID string) {
	defer conn.Close()

	// Close the connection on stop so a read blocked on the idle deadline
	// returns at once instead of after tcpIdle.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(conn)

	stop := stopper.New(ctx)
	for !stop.Stopped() {
		conn.SetReadDeadline(time.Now().Add(p.tcpIdle))
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			data := line
			if data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			if len(data) > 0 {
				record := decode(data)
				metrics.RecordsIngestedTotal.WithLabelValues(sourceID, "tcp").Inc()
				p.sink.Enqueue(sourceID, record)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) markStatus(port int, proto string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.status[port]; ok {
		p.status[port] = existing + "," + proto
		return
	}
	p.status[port] = proto
}

// Status returns a read-only snapshot of bound port/protocol pairs for the
// introspection server, per SPEC_FULL.md §4.5.
func (p *Pool) Status() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]string, len(p.status))
	for k, v := range p.status {
		out[k] = v
	}
	return out
}

// decode attempts UTF-8; on failure, decodes as 8-bit passthrough so no
// byte is rejected, per spec.md §4.5.
func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
