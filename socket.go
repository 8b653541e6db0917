// MessageSocket is the asynchronous, bidirectional frame transport every
// connection in this codebase — client-to-gateway, gateway-to-backend,
// cache-managed peer — is expressed through. It deliberately does not
// expose net.Conn: callers never read or write raw bytes, only Messages.
//
// Invariants:
//   - Disconnected fires at most once per socket, and is delivered
//     synchronously on the goroutine that discovers the break: an explicit
//     Disconnect call, or the socket's own reader or writer on an I/O
//     error (see Signal.Emit) — subscribers must not block.
//   - MessageReady delivers frames in the order they arrived on the wire.
//   - Disconnect is idempotent; calling it on an already-disconnected
//     socket is a no-op, not an error.
package meshrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// socketDialTimeout bounds net.DialTimeout for a single candidate
// endpoint. A candidate that doesn't connect within this window is
// treated as failed for the purposes of dial racing (see cache.go); it
// does not fail the whole Socket() call unless every candidate does.
const socketDialTimeout = 5 * time.Second

// socketWriteTimeout bounds every conn.Write. A peer that stops reading
// fails writes instead of blocking the sender's writer goroutine forever.
const socketWriteTimeout = 5 * time.Second

// socketReadIdleTimeout is the deadline refreshed after each successful
// read. No data at all within this window tears the connection down,
// detecting half-open TCP.
const socketReadIdleTimeout = 60 * time.Second

// socketSendBuffer is the capacity of a socket's outbound queue.
const socketSendBuffer = 1024

// MessageSocket is the transport contract sockets expose to the cache and
// the gateway. Both directions (the dialer's and the accepted side's) are
// the same concrete type (tcpMessageSocket); only the path that produced
// them differs.
type MessageSocket interface {
	// Connect dials url and returns a future that resolves once the TCP
	// connection is established (there is no further handshake in this
	// protocol — a live TCP connection is a live MessageSocket).
	Connect(ctx context.Context, url Url) *Future[struct{}]

	// Send enqueues m for delivery. Send never blocks on network I/O; it
	// hands m to the socket's writer goroutine. A Send on a disconnected
	// socket returns an error immediately.
	Send(m Message) error

	// Disconnect closes the underlying connection. Idempotent.
	Disconnect()

	// Disconnected is emitted exactly once, the first time this socket's
	// connection is discovered to be broken (read error, write error, or
	// an explicit Disconnect call).
	Disconnected() *Signal[struct{}]

	// MessageReady is emitted once per inbound Message, in wire order.
	MessageReady() *Signal[Message]

	// RemoteURL returns the endpoint this socket is connected to, or the
	// zero Url if it was accepted by a TransportServer rather than dialed
	// (the gateway never needs this for accepted client sockets).
	RemoteURL() Url

	// IsConnected reports whether the socket currently believes it has a
	// live connection. It is a best-effort, racy snapshot — only useful
	// as a fast-path check before attempting a Send.
	IsConnected() bool
}

// tcpMessageSocket is the only MessageSocket implementation: a Message
// framing layer over a single net.Conn, with one writer goroutine per
// socket (so Send never contends on conn writes) and one reader goroutine
// that emits MessageReady/Disconnected.
type tcpMessageSocket struct {
	remoteURL Url

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	sendCh chan Message
	closed chan struct{}
	once   sync.Once

	disconnected *Signal[struct{}]
	messageReady *Signal[Message]
}

func newTCPMessageSocket() *tcpMessageSocket {
	return &tcpMessageSocket{
		sendCh:       make(chan Message, socketSendBuffer),
		closed:       make(chan struct{}),
		disconnected: &Signal[struct{}]{},
		messageReady: &Signal[Message]{},
	}
}

// newConnectedSocket wraps an already-established net.Conn (either just
// dialed or just accepted) and starts its reader/writer goroutines.
func newConnectedSocket(conn net.Conn, remoteURL Url) *tcpMessageSocket {
	s := newTCPMessageSocket()
	s.conn = conn
	s.connected = true
	s.remoteURL = remoteURL
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *tcpMessageSocket) Connect(ctx context.Context, url Url) *Future[struct{}] {
	promise, future := NewPromise[struct{}]()
	s.remoteURL = url

	go func() {
		dialer := net.Dialer{Timeout: socketDialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", url.HostPort())
		if err != nil {
			promise.SetError(fmt.Errorf("meshrpc: dial %s: %w", url, err))
			return
		}

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.mu.Unlock()

		go s.writeLoop()
		go s.readLoop()
		promise.SetValue(struct{}{})
	}()

	return future
}

func (s *tcpMessageSocket) Send(m Message) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("meshrpc: send on disconnected socket")
	}
	select {
	case s.sendCh <- m:
		return nil
	case <-s.closed:
		return fmt.Errorf("meshrpc: send on disconnected socket")
	}
}

func (s *tcpMessageSocket) Disconnect() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.connected = false
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.disconnected.Emit(struct{}{})
	})
}

func (s *tcpMessageSocket) Disconnected() *Signal[struct{}] { return s.disconnected }
func (s *tcpMessageSocket) MessageReady() *Signal[Message]  { return s.messageReady }
func (s *tcpMessageSocket) RemoteURL() Url                  { return s.remoteURL }

func (s *tcpMessageSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *tcpMessageSocket) writeLoop() {
	for {
		select {
		case m := <-s.sendCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := WriteMessage(conn, m); err != nil {
				slog.Warn("meshrpc: write failed, disconnecting socket", "remote", s.remoteURL, "error", err)
				s.Disconnect()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *tcpMessageSocket) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	r := newFrameReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(socketReadIdleTimeout))
		m, err := ReadMessage(r)
		if err != nil {
			s.Disconnect()
			return
		}
		s.messageReady.Emit(m)
	}
}

// insertFromConn wires an already-open net.Conn (accepted by a
// TransportServer) into a MessageSocket without ever calling Connect —
// this mirrors the original project's distinction between dialed sockets
// and sockets handed to TransportSocketCache.insert() out of band.
func insertFromConn(conn net.Conn) MessageSocket {
	return newConnectedSocket(conn, Url{})
}
