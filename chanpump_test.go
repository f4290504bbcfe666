package chanpump_test

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"

	"github.com/chanpump/chanpump"
	"github.com/chanpump/chanpump/pair"
)

func newPump(t *testing.T, opts ...chanpump.Option) *chanpump.Pump {
	t.Helper()
	p, err := chanpump.New(opts...)
	require.NoError(t, err)
	go func() { _ = p.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return p.State() == chanpump.StateRunning
	}, 5*time.Second, time.Millisecond, "pump did not start")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func newPairSockets(t *testing.T) (*pair.Socket, *pair.Socket) {
	t.Helper()
	a, b, err := pair.New()
	require.NoError(t, err)
	return a, b
}

func recvMsg(t *testing.T, ch <-chan chanpump.Message) chanpump.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("recv endpoint closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

func TestPump_PairRoundTrip(t *testing.T) {
	p := newPump(t)
	a, b := newPairSockets(t)

	sendA := make(chan chanpump.Message, 8)
	recvA := make(chan chanpump.Message, 8)
	sendB := make(chan chanpump.Message, 8)
	recvB := make(chan chanpump.Message, 8)

	require.NoError(t, p.Register("a", a, sendA, recvA))
	require.NoError(t, p.Register("b", b, sendB, recvB))

	for i := 0; i < 3; i++ {
		sendA <- chanpump.String("ping-" + strconv.Itoa(i))
	}
	for i := 0; i < 3; i++ {
		msg := recvMsg(t, recvB)
		require.Len(t, msg, 1)
		require.Equal(t, "ping-"+strconv.Itoa(i), string(msg[0]))
	}

	// Nothing extra arrives: exactly three in, three out.
	select {
	case msg := <-recvB:
		t.Fatalf("unexpected extra message: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// The reverse direction shares nothing but the loops.
	sendB <- chanpump.String("pong")
	msg := recvMsg(t, recvA)
	require.Equal(t, "pong", string(msg[0]))
}

func TestPump_MultipartPreserved(t *testing.T) {
	p := newPump(t)
	a, b := newPairSockets(t)

	sendA := make(chan chanpump.Message, 1)
	recvB := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("a", a, sendA, nil))
	require.NoError(t, p.Register("b", b, nil, recvB))

	sent := chanpump.Message{
		[]byte("topic"),
		{},
		bytes.Repeat([]byte{0x5A}, 2048),
	}
	sendA <- sent

	got := recvMsg(t, recvB)
	require.Len(t, got, len(sent))
	for i := range sent {
		require.True(t, bytes.Equal(sent[i], got[i]), "frame %d", i)
	}
}

func TestPump_RegisterBeforeRun(t *testing.T) {
	p, err := chanpump.New()
	require.NoError(t, err)

	a, b := newPairSockets(t)
	sendA := make(chan chanpump.Message, 1)
	recvB := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("a", a, sendA, nil))
	require.NoError(t, p.Register("b", b, nil, recvB))

	// Buffered before the loops exist; pumped once they start.
	sendA <- chanpump.String("early")

	go func() { _ = p.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	msg := recvMsg(t, recvB)
	require.Equal(t, "early", string(msg[0]))
}

func TestPump_SlowConsumerDoesNotStall(t *testing.T) {
	p := newPump(t)

	// b is registered with a tiny recv endpoint nobody reads; a stays under
	// test control to drive the flood.
	a, b := newPairSockets(t)
	defer a.Close()
	recvB := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("b", b, nil, recvB))

	const n = 100
	for i := 0; i < n; i++ {
		for {
			err := a.Send(chanpump.String("flood"))
			if err == nil {
				break
			}
			require.ErrorIs(t, err, chanpump.ErrWouldBlock)
			time.Sleep(time.Millisecond)
		}
	}

	// Everything past the single buffered slot is shed, not queued.
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.RouteDrops+s.DeliveryDrops >= n-10
	}, 5*time.Second, time.Millisecond, "drops not counted: %+v", p.Stats())
	require.LessOrEqual(t, len(recvB), 1)

	// The stalled socket does not hold up an unrelated one.
	c, d := newPairSockets(t)
	sendC := make(chan chanpump.Message, 1)
	recvD := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("c", c, sendC, nil))
	require.NoError(t, p.Register("d", d, nil, recvD))
	sendC <- chanpump.String("still alive")
	msg := recvMsg(t, recvD)
	require.Equal(t, "still alive", string(msg[0]))
}

func TestPump_FullSendBufferDropsNotBlocks(t *testing.T) {
	p := newPump(t)

	// The peer never reads, so the kernel queue eventually refuses sends.
	a, b := newPairSockets(t)
	defer b.Close()
	sendA := make(chan chanpump.Message, 64)
	require.NoError(t, p.Register("a", a, sendA, nil))

	payload := chanpump.Message{bytes.Repeat([]byte{7}, 2048)}
	for i := 0; i < 2048; i++ {
		sendA <- payload
	}

	require.Eventually(t, func() bool {
		return p.Stats().SendDrops > 0
	}, 10*time.Second, time.Millisecond, "no send drops: %+v", p.Stats())

	// Both loops stayed responsive through the flood.
	c, d := newPairSockets(t)
	sendC := make(chan chanpump.Message, 1)
	recvD := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("c", c, sendC, nil))
	require.NoError(t, p.Register("d", d, nil, recvD))
	sendC <- chanpump.String("still alive")
	msg := recvMsg(t, recvD)
	require.Equal(t, "still alive", string(msg[0]))
}

func TestPump_CloseSendEndpointClosesSocket(t *testing.T) {
	p := newPump(t)
	a, b := newPairSockets(t)
	defer b.Close()

	sendA := make(chan chanpump.Message, 1)
	recvA := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("a", a, sendA, recvA))

	close(sendA)

	// Teardown closes the recv endpoint and releases the native socket.
	select {
	case _, ok := <-recvA:
		require.False(t, ok, "recv endpoint should be closed, not carrying data")
	case <-time.After(5 * time.Second):
		t.Fatal("recv endpoint not closed")
	}
	require.Eventually(t, func() bool {
		_, err := a.Fd()
		return errors.Is(err, pair.ErrClosed)
	}, 5*time.Second, time.Millisecond, "native socket not closed")
}

func TestPump_ShutdownCompleteness(t *testing.T) {
	p := newPump(t)
	a, b := newPairSockets(t)

	sendA := make(chan chanpump.Message, 8)
	recvA := make(chan chanpump.Message, 8)
	sendB := make(chan chanpump.Message, 8)
	recvB := make(chan chanpump.Message, 8)
	require.NoError(t, p.Register("a", a, sendA, recvA))
	require.NoError(t, p.Register("b", b, sendB, recvB))

	sendA <- chanpump.String("in flight")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, chanpump.StateTerminated, p.State())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed")
	}

	// Every recv endpoint ends closed; buffered messages may precede it.
	for _, ch := range []chan chanpump.Message{recvA, recvB} {
		for {
			if _, ok := <-ch; !ok {
				break
			}
		}
	}

	// Every native socket ends closed.
	for _, s := range []*pair.Socket{a, b} {
		_, err := s.Fd()
		require.ErrorIs(t, err, pair.ErrClosed)
	}

	require.ErrorIs(t, p.Register("late", a, sendA, nil), chanpump.ErrPumpTerminated)
	require.NoError(t, p.Shutdown(context.Background()))
}

// goroutineID parses the header line of a single-goroutine stack dump.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

// affinitySocket records the goroutine id of every native operation.
type affinitySocket struct {
	inner *pair.Socket
	mu    sync.Mutex
	gids  map[uint64]struct{}
}

func newAffinitySocket(inner *pair.Socket) *affinitySocket {
	return &affinitySocket{inner: inner, gids: make(map[uint64]struct{})}
}

func (s *affinitySocket) record() {
	id := goroutineID()
	s.mu.Lock()
	s.gids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *affinitySocket) Fd() (int, error) {
	s.record()
	return s.inner.Fd()
}

func (s *affinitySocket) Send(msg chanpump.Message) error {
	s.record()
	return s.inner.Send(msg)
}

func (s *affinitySocket) Recv() (chanpump.Message, error) {
	s.record()
	return s.inner.Recv()
}

func (s *affinitySocket) Close() error {
	s.record()
	return s.inner.Close()
}

func (s *affinitySocket) goroutines() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.gids))
	for id := range s.gids {
		ids = append(ids, id)
	}
	return ids
}

func TestPump_SingleGoroutineOwnsSockets(t *testing.T) {
	p := newPump(t)
	rawA, b := newPairSockets(t)
	a := newAffinitySocket(rawA)

	sendA := make(chan chanpump.Message, 8)
	recvA := make(chan chanpump.Message, 8)
	sendB := make(chan chanpump.Message, 8)
	recvB := make(chan chanpump.Message, 8)
	require.NoError(t, p.Register("a", a, sendA, recvA))
	require.NoError(t, p.Register("b", b, sendB, recvB))

	// Exercise register, send, and recv paths from multiple app goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sendA <- chanpump.String("from-" + strconv.Itoa(i))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		recvMsg(t, recvB)
	}
	sendB <- chanpump.String("inbound")
	recvMsg(t, recvA)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	ids := a.goroutines()
	require.Len(t, ids, 1, "socket touched from goroutines %v", ids)
	require.NotEqual(t, goroutineID(), ids[0], "socket operated on the test goroutine")
}

func TestPump_WithLogger(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithTimeField(``)),
		stumpy.L.WithWriter(logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
			mu.Lock()
			lines = append(lines, string(e.Bytes()))
			mu.Unlock()
			return nil
		})),
		stumpy.L.WithLevel(logiface.LevelDebug),
	)

	p := newPump(t, chanpump.WithLogger(logger.Logger()))
	a, b := newPairSockets(t)

	sendA := make(chan chanpump.Message, 1)
	recvB := make(chan chanpump.Message, 1)
	require.NoError(t, p.Register("a", a, sendA, nil))
	require.NoError(t, p.Register("b", b, nil, recvB))
	sendA <- chanpump.String("logged")
	recvMsg(t, recvB)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, l := range lines {
			if strings.Contains(l, "socket registered") {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond, "no registration log line")
}
