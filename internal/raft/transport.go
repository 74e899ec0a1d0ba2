package raft

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/keegancsmith/rpc"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

const deliverMethod = "Raft.Deliver"

// Ack is the reply of a delivered message.
type Ack struct {
	Received bool
}

// RPCTransport implements RPC over TCP using net/rpc style calls with context
// support. The Info of every member holds its listen address.
type RPCTransport struct {
	addr     string
	listener net.Listener
	server   *rpc.Server
	handler  MessageHandler
	peers    map[ServerID]string      // server ID -> address
	clients  map[ServerID]*rpc.Client // server ID -> connection
	timeout  time.Duration
	maxConns int
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewRPCTransport creates a new TCP transport listening on addr.
func NewRPCTransport(addr string) *RPCTransport {
	return &RPCTransport{
		addr:     addr,
		peers:    make(map[ServerID]string),
		clients:  make(map[ServerID]*rpc.Client),
		timeout:  time.Second,
		maxConns: 256,
	}
}

// SetTimeout sets the dial and call timeout.
func (t *RPCTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// SetMaxConns limits the number of accepted connections.
func (t *RPCTransport) SetMaxConns(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxConns = n
}

// LocalAddr returns the listen address, resolved once listening.
func (t *RPCTransport) LocalAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// raftService is the receiver registered with the RPC server.
type raftService struct {
	t *RPCTransport
}

// Deliver hands an incoming message to the local server.
func (s *raftService) Deliver(ctx context.Context, m *Message, ack *Ack) error {
	s.t.mu.Lock()
	handler := s.t.handler
	if _, known := s.t.peers[m.From]; !known && m.FromAddr != "" && handler != nil {
		s.t.peers[m.From] = m.FromAddr
	}
	s.t.mu.Unlock()
	if handler == nil {
		return ErrTransportClosed
	}
	handler(m)
	ack.Received = true
	return nil
}

// Listen implements RPC.
func (t *RPCTransport) Listen(handler MessageHandler) error {
	l, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.addr)
	}
	srv := rpc.NewServer()
	if err := srv.RegisterName("Raft", &raftService{t: t}); err != nil {
		l.Close()
		return errors.Wrap(err, "register raft service")
	}

	t.mu.Lock()
	if t.maxConns > 0 {
		l = netutil.LimitListener(l, t.maxConns)
	}
	t.listener = l
	t.server = srv
	t.handler = handler
	t.closed = false
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		srv.Accept(l)
	}()
	return nil
}

// Send implements RPC.
func (t *RPCTransport) Send(ctx context.Context, to ServerID, m *Message) error {
	client, err := t.client(to)
	if err != nil {
		return err
	}

	t.mu.RLock()
	timeout := t.timeout
	if t.listener != nil {
		tagged := *m
		tagged.FromAddr = t.listener.Addr().String()
		m = &tagged
	}
	t.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ack Ack
	if err := client.Call(ctx, deliverMethod, m, &ack); err != nil {
		t.removeClient(to, client)
		return errors.Wrapf(ErrUnreachable, "send %s to %s: %v", m.Kind(), to, err)
	}
	return nil
}

func (t *RPCTransport) client(id ServerID) (*rpc.Client, error) {
	t.mu.RLock()
	closed := t.closed
	c, ok := t.clients[id]
	addr, known := t.peers[id]
	timeout := t.timeout
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if ok {
		return c, nil
	}
	if !known {
		return nil, errors.Wrapf(ErrUnreachable, "no address for %s", id)
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "dial %s at %s: %v", id, addr, err)
	}
	c = rpc.NewClient(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[id]; ok {
		c.Close()
		return existing, nil
	}
	if t.closed {
		c.Close()
		return nil, ErrTransportClosed
	}
	t.clients[id] = c
	return c, nil
}

func (t *RPCTransport) removeClient(id ServerID, c *rpc.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.clients[id]; ok && cur == c {
		cur.Close()
		delete(t.clients, id)
	}
}

// AddServer implements RPC. info is the member's address.
func (t *RPCTransport) AddServer(id ServerID, info []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := string(info)
	if old, ok := t.peers[id]; ok && old != addr {
		if c, ok := t.clients[id]; ok {
			c.Close()
			delete(t.clients, id)
		}
	}
	t.peers[id] = addr
}

// RemoveServer implements RPC.
func (t *RPCTransport) RemoveServer(id ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	if c, ok := t.clients[id]; ok {
		c.Close()
		delete(t.clients, id)
	}
}

// Close implements RPC.
func (t *RPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handler = nil
	l := t.listener
	for id, c := range t.clients {
		c.Close()
		delete(t.clients, id)
	}
	t.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	t.wg.Wait()
	return err
}
