package raft

import (
	"context"
	"sync"
	"time"
)

// maxQueued bounds the messages buffered for one peer; older ones are dropped
// first, which the protocol tolerates like any other message loss.
const maxQueued = 4096

// sender delivers messages to one peer in order on its own goroutine, so a
// slow or dead peer never blocks the owner or other peers.
type sender struct {
	to      ServerID
	rpc     RPC
	timeout time.Duration
	logger  Logger

	// lastUsed is owned by the server goroutine.
	lastUsed time.Time

	mu     sync.Mutex
	queue  []*Message
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newSender(to ServerID, rpc RPC, timeout time.Duration, logger Logger) *sender {
	s := &sender{
		to:      to,
		rpc:     rpc,
		timeout: timeout,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sender) enqueue(m *Message) {
	s.mu.Lock()
	if len(s.queue) >= maxQueued {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close stops the sender without waiting for an in-flight send.
func (s *sender) close() {
	close(s.stop)
}

func (s *sender) wait() {
	<-s.done
}

func (s *sender) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, m := range batch {
				select {
				case <-s.stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
				err := s.rpc.Send(ctx, s.to, m)
				cancel()
				if err != nil {
					s.logger.Debug("send failed", "to", s.to.String(), "kind", m.Kind(), "error", err)
				}
			}
		}
	}
}
