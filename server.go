package meshrpc

import (
	"fmt"
	"log/slog"
	"net"
)

// TransportServer accepts inbound TCP connections and hands each one to
// the caller as a MessageSocket via NewConnection. It never itself
// decides what to do with an accepted socket — the Gateway is the only
// caller of Listen in this codebase, and it wires NewConnection to its
// own client-registration path.
type TransportServer struct {
	listener net.Listener
	url      Url

	NewConnection Signal[MessageSocket]

	closed chan struct{}
}

// Listen binds addr and starts accepting connections in a background
// goroutine. The returned Url reflects the address actually bound (useful
// when addr's port is "0").
func Listen(addr Url) (*TransportServer, error) {
	ln, err := net.Listen("tcp", addr.HostPort())
	if err != nil {
		return nil, fmt.Errorf("meshrpc: listen on %s: %w", addr, err)
	}

	boundPort := addr.Port
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		boundPort = fmt.Sprintf("%d", tcpAddr.Port)
	}

	s := &TransportServer{
		listener: ln,
		url:      Url{Protocol: addr.Protocol, Host: addr.Host, Port: boundPort},
		closed:   make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *TransportServer) URL() Url {
	return s.url
}

func (s *TransportServer) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.listener.Close()
}

func (s *TransportServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				slog.Warn("meshrpc: accept failed", "error", err)
				return
			}
		}
		sock := insertFromConn(conn)
		s.NewConnection.Emit(sock)
	}
}
