/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package transport implements the Transport component (SPEC_FULL.md
// §4.2): a single-pair, connection-oriented TCP byte stream carrying a
// concatenated stream of escape/proto messages. There is exactly one
// accept per session and no heartbeat; the session ends when the origin
// sends Done and closes.
package transport

import (
	"bufio"
	"fmt"
	"net"

	"github.com/crewlab/escapepod/escape/proto"
)

// Server listens for exactly one destination connection per session, the
// way the origin supervisor's escape phase expects (SPEC_FULL.md §4.7).
type Server struct {
	ln net.Listener
}

// Listen binds addr (host:port, port 0 for an ephemeral port) and returns
// a Server ready to Accept.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Server{ln: ln}, nil
}

// Addr returns the bound address, useful for discovering the ephemeral
// port assigned when the caller requested port 0.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Accept blocks for a single incoming connection and wraps it as a Conn.
// The origin supervisor calls this exactly once per escape.
func (s *Server) Accept() (*Conn, error) {
	c, err := s.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return newConn(c), nil
}

// Close stops listening. Callers should Close once Accept has returned,
// since only one session is ever handled per Server.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Dial connects to an origin's advertised address, the operation a
// destination's launch-pod-spawned instance performs on startup.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return newConn(c), nil
}

// Conn carries a concatenated proto.EscapeeMessage stream over one TCP
// connection. The reader is buffered so that repeated Recv calls don't
// force a syscall per message; the codec itself is schema-driven and
// needs no outer framing length.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Send writes one message to the wire.
func (c *Conn) Send(msg proto.EscapeeMessage) error {
	if err := proto.EncodeMessage(c.nc, msg); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Recv reads and decodes the next message from the wire.
func (c *Conn) Recv() (proto.EscapeeMessage, error) {
	msg, err := proto.DecodeMessage(c.r)
	if err != nil {
		return proto.EscapeeMessage{}, fmt.Errorf("transport: recv: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection. The origin side calls this
// immediately after sending Done (SPEC_FULL.md §4.6 step 6); the
// destination side calls it once Recv reports Done or an error.
func (c *Conn) Close() error {
	return c.nc.Close()
}
