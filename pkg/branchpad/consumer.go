package branchpad

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/branchpad/branchpad/pkg/transport"
)

// batchSize caps how many records one batch carries.
const batchSize = 32

type consumerState int

const (
	// consumerIdle: the last consume was answered with a batch; the client
	// will announce a new cursor when it has applied it.
	consumerIdle consumerState = iota
	// consumerPending: a consume is outstanding and the stream had nothing
	// past the cursor. A wake triggers the answer.
	consumerPending
	// consumerFetching: a fetch is in flight. Wakes arriving now coalesce
	// into at most one follow-up fetch.
	consumerFetching
)

// fetchFunc loads one batch past the cursor. It returns the prepared batch
// message, the cursor after the batch, and the record count.
type fetchFunc func(ctx context.Context, after int64) (*transport.Message, int64, int, error)

// consumer drives one sync stream for one connected device. It guarantees at
// most one fetch in flight per stream, and that any number of wakes during a
// fetch collapse into exactly one follow-up fetch.
type consumer struct {
	stream string
	fetch  fetchFunc
	send   func(context.Context, *transport.Message) error
	log    zerolog.Logger

	mu       sync.Mutex
	state    consumerState
	cursor   int64
	gen      int // bumped by every consume request
	queued   bool
	wakeSent bool
}

func newConsumer(stream string, fetch fetchFunc, send func(context.Context, *transport.Message) error, log zerolog.Logger) *consumer {
	return &consumer{
		stream: stream,
		fetch:  fetch,
		send:   send,
		log:    log.With().Str("stream", stream).Logger(),
		state:  consumerPending,
	}
}

// Request handles a consume message: the client has processed everything up
// to cursor and wants the next batch. The cursor is adopted verbatim, so a
// client that rolled back (crash recovery, failed apply) gets the earlier
// records redelivered.
func (c *consumer) Request(ctx context.Context, cursor int64) {
	c.mu.Lock()
	c.cursor = cursor
	c.gen++
	c.wakeSent = false
	if c.state == consumerFetching {
		c.queued = true
		c.mu.Unlock()
		return
	}
	c.state = consumerFetching
	c.mu.Unlock()
	go c.run(ctx)
}

// Wake signals that the stream may have advanced. While a fetch is in flight
// the signal coalesces; in pending state it answers the outstanding consume;
// in idle state it sends at most one wake hint until the client consumes.
func (c *consumer) Wake(ctx context.Context) {
	c.mu.Lock()
	switch c.state {
	case consumerFetching:
		c.queued = true
		c.mu.Unlock()
	case consumerPending:
		c.state = consumerFetching
		c.mu.Unlock()
		go c.run(ctx)
	case consumerIdle:
		if c.wakeSent {
			c.mu.Unlock()
			return
		}
		c.wakeSent = true
		c.mu.Unlock()
		hint := &transport.Message{Type: transport.MessageWake, Stream: c.stream}
		if err := c.send(ctx, hint); err != nil {
			c.log.Debug().Err(err).Msg("wake hint not delivered")
		}
	}
}

// run performs fetches until the stream is drained or a batch was sent. It
// owns the fetching state on entry. A consume arriving mid-fetch bumps gen;
// its cursor must not be overwritten by the stale fetch result, and it is owed
// an answer of its own.
func (c *consumer) run(ctx context.Context) {
	for {
		c.mu.Lock()
		c.queued = false
		after := c.cursor
		gen := c.gen
		c.mu.Unlock()

		msg, next, count, err := c.fetch(ctx, after)
		if err != nil {
			c.mu.Lock()
			c.state = consumerPending
			c.mu.Unlock()
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("stream fetch failed")
			}
			return
		}

		if count == 0 {
			c.mu.Lock()
			if c.queued || c.gen != gen {
				c.mu.Unlock()
				continue
			}
			c.state = consumerPending
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.gen == gen {
			c.cursor = next
		}
		c.mu.Unlock()
		if err := c.send(ctx, msg); err != nil {
			c.mu.Lock()
			c.state = consumerPending
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			continue
		}
		c.state = consumerIdle
		c.queued = false
		c.mu.Unlock()
		return
	}
}
