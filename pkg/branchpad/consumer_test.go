package branchpad

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchpad/branchpad/pkg/transport"
)

// scriptedFetch serves batches from a queue and counts invocations. Fetches
// block until release is signalled when gate is set.
type scriptedFetch struct {
	mu      sync.Mutex
	batches []int // record count per fetch; empty queue means drained
	calls   int
	gate    chan struct{}
}

func (f *scriptedFetch) fetch(stream string) fetchFunc {
	return func(ctx context.Context, after int64) (*transport.Message, int64, int, error) {
		f.mu.Lock()
		f.calls++
		var count int
		if len(f.batches) > 0 {
			count = f.batches[0]
			f.batches = f.batches[1:]
		}
		gate := f.gate
		f.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if count == 0 {
			return nil, after, 0, nil
		}
		next := after + int64(count)
		return &transport.Message{
			Type:   transport.MessageBatch,
			Stream: stream,
			Cursor: transport.FormatCursor(next),
		}, next, count, nil
	}
}

func (f *scriptedFetch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func collectSends() (func(context.Context, *transport.Message) error, <-chan *transport.Message) {
	ch := make(chan *transport.Message, 16)
	return func(_ context.Context, m *transport.Message) error {
		ch <- m
		return nil
	}, ch
}

func waitMessage(t *testing.T, ch <-chan *transport.Message) *transport.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func assertNoMessage(t *testing.T, ch <-chan *transport.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected %s message", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConsumerAnswersConsumeWithBatch(t *testing.T) {
	f := &scriptedFetch{batches: []int{3}}
	send, sent := collectSends()
	c := newConsumer("s", f.fetch("s"), send, zerolog.Nop())

	c.Request(context.Background(), 0)

	msg := waitMessage(t, sent)
	assert.Equal(t, transport.MessageBatch, msg.Type)
	cursor, err := msg.CursorValue()
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}

func TestConsumerEmptyStreamStaysPending(t *testing.T) {
	f := &scriptedFetch{}
	send, sent := collectSends()
	c := newConsumer("s", f.fetch("s"), send, zerolog.Nop())

	c.Request(context.Background(), 0)
	assertNoMessage(t, sent)

	// The outstanding consume is answered when the stream advances.
	f.mu.Lock()
	f.batches = []int{2}
	f.mu.Unlock()
	c.Wake(context.Background())

	msg := waitMessage(t, sent)
	assert.Equal(t, transport.MessageBatch, msg.Type)
}

func TestConsumerWakesCoalesceDuringFetch(t *testing.T) {
	gate := make(chan struct{})
	f := &scriptedFetch{batches: []int{1, 1}, gate: gate}
	send, sent := collectSends()
	c := newConsumer("s", f.fetch("s"), send, zerolog.Nop())

	ctx := context.Background()
	c.Request(ctx, 0)

	// Several wakes land while the first fetch is blocked in flight.
	c.Wake(ctx)
	c.Wake(ctx)
	c.Wake(ctx)
	close(gate)

	waitMessage(t, sent)
	// One fetch for the request; the burst of wakes collapses into at most
	// one queued signal, answered only after the next consume.
	assert.Equal(t, 1, f.callCount())
}

func TestConsumerIdleWakeSendsSingleHint(t *testing.T) {
	f := &scriptedFetch{batches: []int{1}}
	send, sent := collectSends()
	c := newConsumer("s", f.fetch("s"), send, zerolog.Nop())

	ctx := context.Background()
	c.Request(ctx, 0)
	waitMessage(t, sent) // batch answered; consumer now idle

	c.Wake(ctx)
	hint := waitMessage(t, sent)
	assert.Equal(t, transport.MessageWake, hint.Type)
	assert.Equal(t, "s", hint.Stream)

	// Further wakes before the client consumes again are suppressed.
	c.Wake(ctx)
	c.Wake(ctx)
	assertNoMessage(t, sent)

	// The next consume re-arms the hint.
	f.mu.Lock()
	f.batches = []int{1}
	f.mu.Unlock()
	c.Request(ctx, 1)
	waitMessage(t, sent)
	c.Wake(ctx)
	hint = waitMessage(t, sent)
	assert.Equal(t, transport.MessageWake, hint.Type)
}

func TestConsumerConsumeReplaysEarlierCursor(t *testing.T) {
	f := &scriptedFetch{batches: []int{5, 5}}
	send, sent := collectSends()
	c := newConsumer("s", f.fetch("s"), send, zerolog.Nop())

	ctx := context.Background()
	c.Request(ctx, 10)
	msg := waitMessage(t, sent)
	cursor, err := msg.CursorValue()
	require.NoError(t, err)
	assert.Equal(t, int64(15), cursor)

	// A consume announcing an earlier cursor (crash recovery, a failed local
	// apply) is adopted verbatim and the records are redelivered.
	c.Request(ctx, 3)
	msg = waitMessage(t, sent)
	cursor, err = msg.CursorValue()
	require.NoError(t, err)
	assert.Equal(t, int64(8), cursor)

	c.mu.Lock()
	assert.Equal(t, int64(8), c.cursor)
	c.mu.Unlock()
}
