package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

// PipeEnd is one side of an in-process channel. Messages go through the
// same JSON encoding as the websocket and arrive in send order. Send never
// blocks.
type PipeEnd struct {
	peer *PipeEnd

	mu     sync.Mutex
	queue  []protocol.Message
	notify chan struct{}
	closed bool
}

// Pipe returns two connected ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{notify: make(chan struct{}, 1)}
	b := &PipeEnd{notify: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

func (e *PipeEnd) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	return e.peer.push(decoded)
}

func (e *PipeEnd) push(m protocol.Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.queue = append(e.queue, m)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryRecv takes the next message if one is waiting.
func (e *PipeEnd) TryRecv() (protocol.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return protocol.Message{}, false
	}
	m := e.queue[0]
	e.queue = e.queue[1:]
	return m, true
}

// Recv waits for the next message.
func (e *PipeEnd) Recv(ctx context.Context) (protocol.Message, error) {
	for {
		if m, ok := e.TryRecv(); ok {
			return m, nil
		}
		if e.isClosed() {
			return protocol.Message{}, ErrClosed
		}
		select {
		case <-e.notify:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

func (e *PipeEnd) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close closes both ends. Messages already queued can still be received.
func (e *PipeEnd) Close() error {
	e.close()
	e.peer.close()
	return nil
}

func (e *PipeEnd) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}
