package chanpump

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// delivery is an inbound (socket id, payload) pair, handed from the transport
// loop to the channel loop via the dispatch queue.
type delivery struct {
	id  string
	msg Message
}

// socketEntry is the transport loop's record of a registered native socket.
// Entries are created and mutated exclusively by the transport loop.
type socketEntry struct {
	sock     Socket
	id       string
	fd       int
	pollRead bool
	closed   bool
}

// transportLoop owns every registered native socket. It blocks in a single
// readiness poll across all socket fds plus the wake fd, drains the command
// queue after every poll return, and performs all native I/O.
type transportLoop struct {
	pump        *Pump
	commands    *commandQueue
	dispatch    chan delivery
	registry    map[string]*socketEntry
	done        chan struct{}
	poller      poller
	wakeFd      int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32
	quit        bool
}

// run is the transport loop goroutine. It exits on an opShutdown command or
// on a fatal poller failure, releasing every native socket, the poller, and
// the wake fds, and closing the dispatch queue (which the channel loop
// observes if it is still running).
func (t *transportLoop) run() {
	defer close(t.done)
	defer t.teardown()

	for {
		t.drainCommands()
		if t.quit {
			return
		}
		if _, err := t.poller.PollIO(-1); err != nil {
			// Failures here would corrupt the single-owner invariant if we
			// soldiered on; this is the one error class that terminates the
			// pump rather than a single socket.
			t.pump.reportError(fmt.Errorf("chanpump: poll failed: %w", err))
			return
		}
	}
}

// drainCommands empties the command queue, dispatching on the command tag.
// Commands are processed in FIFO order as enqueued; no reordering or
// coalescing.
func (t *transportLoop) drainCommands() {
	for {
		cmd, ok := t.commands.Pop()
		if !ok {
			return
		}
		t.pump.stats.commands.Add(1)

		switch cmd.op {
		case opSend:
			t.handleSend(cmd)
		case opRegister:
			t.handleRegister(cmd)
		case opClose:
			t.handleClose(cmd)
		case opShutdown:
			t.quit = true
		}
	}
}

// handleRegister inserts the socket into the registry and, for sockets with
// a recv endpoint, into the poll set. Failure reports and releases the
// socket; ownership already transferred, so nobody else can.
func (t *transportLoop) handleRegister(cmd command) {
	if _, ok := t.registry[cmd.id]; ok {
		t.pump.reportError(fmt.Errorf("%w: %q", ErrSocketRegistered, cmd.id))
		_ = cmd.sock.Close()
		return
	}

	e := &socketEntry{sock: cmd.sock, id: cmd.id, fd: -1}

	if cmd.pollRead {
		fd, err := cmd.sock.Fd()
		if err != nil {
			t.pump.reportError(fmt.Errorf("%w: %q: %v", ErrInvalidSocket, cmd.id, err))
			_ = cmd.sock.Close()
			return
		}
		if err := t.poller.RegisterFD(fd, EventRead, func(IOEvents) {
			t.handleReadable(e)
		}); err != nil {
			t.pump.reportError(fmt.Errorf("%w: %q: %v", ErrInvalidSocket, cmd.id, err))
			_ = cmd.sock.Close()
			return
		}
		e.fd = fd
		e.pollRead = true
	}

	t.registry[cmd.id] = e
	t.pump.opts.logger.Debug().Str("socket", cmd.id).Bool("pollRead", e.pollRead).Log("socket registered")
}

// handleSend attempts one non-blocking native send. A full outbound buffer
// drops the message: blocking here would stall delivery for every other
// socket sharing this loop.
func (t *transportLoop) handleSend(cmd command) {
	e, ok := t.registry[cmd.id]
	if !ok {
		// Typically a send racing a close; a no-op, reported, not fatal.
		t.pump.reportError(fmt.Errorf("%w: %q (send)", ErrSocketNotRegistered, cmd.id))
		return
	}

	switch err := e.sock.Send(cmd.msg); {
	case err == nil:
		t.pump.stats.sends.Add(1)
	case errors.Is(err, ErrWouldBlock):
		t.pump.stats.sendDrops.Add(1)
		t.pump.opts.logger.Debug().Str("socket", cmd.id).Log("outbound message dropped: send buffer full")
	default:
		t.pump.reportError(fmt.Errorf("chanpump: send on %q: %w", cmd.id, err))
	}
}

// handleClose removes the entry and releases the native socket.
func (t *transportLoop) handleClose(cmd command) {
	e, ok := t.registry[cmd.id]
	if !ok {
		t.pump.reportError(fmt.Errorf("%w: %q (close)", ErrSocketNotRegistered, cmd.id))
		return
	}
	t.closeEntry(e)
	delete(t.registry, cmd.id)
}

// handleReadable drains the socket until it would block, enqueueing each
// message onto the dispatch queue. A full dispatch queue drops the message,
// bounding memory growth under a slow channel loop.
func (t *transportLoop) handleReadable(e *socketEntry) {
	if e.closed {
		// The poller may dispatch one stale readiness callback after close.
		return
	}
	for {
		msg, err := e.sock.Recv()
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				t.pump.reportError(fmt.Errorf("chanpump: recv on %q: %w", e.id, err))
			}
			return
		}

		select {
		case t.dispatch <- delivery{id: e.id, msg: msg}:
			t.pump.stats.deliveries.Add(1)
		default:
			t.pump.stats.deliveryDrops.Add(1)
			t.pump.opts.logger.Debug().Str("socket", e.id).Log("inbound message dropped: dispatch queue full")
		}
	}
}

// closeEntry removes the socket from the poll set and releases it.
func (t *transportLoop) closeEntry(e *socketEntry) {
	if e.closed {
		return
	}
	e.closed = true
	if e.pollRead {
		_ = t.poller.UnregisterFD(e.fd)
	}
	if err := e.sock.Close(); err != nil {
		t.pump.reportError(fmt.Errorf("chanpump: close %q: %w", e.id, err))
	}
	t.pump.opts.logger.Debug().Str("socket", e.id).Log("socket closed")
}

// teardown releases every remaining native socket and the loop's fds, then
// closes the dispatch queue. Runs exactly once, on the loop goroutine.
func (t *transportLoop) teardown() {
	for id, e := range t.registry {
		t.closeEntry(e)
		delete(t.registry, id)
	}
	_ = t.poller.Close()
	_ = closeFD(t.wakeFd)
	if t.wakeWriteFd != t.wakeFd {
		_ = closeFD(t.wakeWriteFd)
	}
	close(t.dispatch)
}

// wake rings the doorbell, unblocking the transport loop's poll. Writes are
// deduplicated: while a wake is pending the loop is guaranteed to observe
// any command pushed before this call, because it drains the command queue
// after every poll return.
func (t *transportLoop) wake() {
	if !t.wakePending.CompareAndSwap(0, 1) {
		return
	}
	// Any nonzero 8-byte value suffices for eventfd; a pipe ignores content.
	var buf [8]byte
	buf[0] = 1
	if _, err := writeFD(t.wakeWriteFd, buf[:]); err != nil {
		// Expected during shutdown (EBADF/EPIPE) once the fds are closed;
		// the loop is already past the point of needing the wake.
		t.wakePending.Store(0)
	}
}

// drainWake empties the wake fd. Registered as the wake fd's poll callback.
func (t *transportLoop) drainWake() {
	for {
		if _, err := readFD(t.wakeFd, t.wakeBuf[:]); err != nil {
			break
		}
	}
	t.wakePending.Store(0)
}
