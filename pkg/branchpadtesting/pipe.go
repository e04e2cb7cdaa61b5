package branchpadtesting

import (
	"context"
	"errors"
	"sync"

	"github.com/branchpad/branchpad/pkg/transport"
)

// ErrPipeClosed is returned from Read and Write after either end closes.
var ErrPipeClosed = errors.New("pipe closed")

// PipeConn is an in-process transport.Conn. Pipe returns two connected ends;
// a message written to one end is read from the other. It lets a Session and
// a Client talk directly without websockets, which keeps end-to-end tests
// fast and deterministic.
type PipeConn struct {
	in  chan *transport.Message
	out chan *transport.Message

	closeOnce sync.Once
	closed    chan struct{}
	peer      *PipeConn
}

var _ transport.Conn = (*PipeConn)(nil)

// Pipe creates a connected pair. Conventionally the first end goes to the
// server session and the second to the client.
func Pipe() (*PipeConn, *PipeConn) {
	a2b := make(chan *transport.Message, 16)
	b2a := make(chan *transport.Message, 16)
	a := &PipeConn{in: b2a, out: a2b, closed: make(chan struct{})}
	b := &PipeConn{in: a2b, out: b2a, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeConn) Read(ctx context.Context) (*transport.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPipeClosed
	case <-p.peer.closed:
		// Drain anything the peer wrote before closing.
		select {
		case m := <-p.in:
			return m, nil
		default:
			return nil, ErrPipeClosed
		}
	case m := <-p.in:
		return m, nil
	}
}

func (p *PipeConn) Write(ctx context.Context, m *transport.Message) error {
	// Round-trip through the wire codec so tests exercise the same encoding
	// a websocket would.
	data, err := transport.Encode(m)
	if err != nil {
		return err
	}
	decoded, err := transport.Decode(data)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPipeClosed
	case <-p.peer.closed:
		return ErrPipeClosed
	case p.out <- decoded:
		return nil
	}
}

func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
