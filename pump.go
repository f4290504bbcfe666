package chanpump

import (
	"context"
	"fmt"
	"sync"
)

// Pump owns the two loops and the application-facing surface. Create one
// with New, start it with Run, feed it sockets with Register, and stop it
// with Shutdown.
type Pump struct {
	// Prevent copying
	_ [0]func()

	state     *fastState
	opts      *pumpOptions
	transport *transportLoop
	channels  *channelLoop

	stats counters

	// done is closed once both loops have exited and the pump is terminated.
	done chan struct{}

	// mu guards the application-facing registration surface below. Neither
	// loop's hot path touches it.
	mu      sync.Mutex
	ids     map[string]struct{}
	pending []*endpointEntry
	started bool
}

// New creates a pump in the Constructed state. The wake channel is created
// here so sockets may be registered before Run.
func New(opts ...Option) (*Pump, error) {
	cfg, err := resolvePumpOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	p := &Pump{
		state: newFastState(),
		opts:  cfg,
		done:  make(chan struct{}),
		ids:   make(map[string]struct{}),
	}

	t := &transportLoop{
		pump:        p,
		commands:    &commandQueue{},
		dispatch:    make(chan delivery, cfg.dispatchBuffer),
		registry:    make(map[string]*socketEntry),
		done:        make(chan struct{}),
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
	}

	if err := t.poller.Init(); err != nil {
		_ = closeFD(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = closeFD(wakeWriteFd)
		}
		return nil, err
	}

	if err := t.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		t.drainWake()
	}); err != nil {
		_ = t.poller.Close()
		_ = closeFD(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = closeFD(wakeWriteFd)
		}
		return nil, err
	}

	p.transport = t
	p.channels = &channelLoop{
		pump:     p,
		dispatch: t.dispatch,
		register: make(chan *endpointEntry, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		entries:  make(map[string]*endpointEntry),
	}

	return p, nil
}

// Run starts the transport loop and runs the channel loop on the calling
// goroutine, blocking until the pump terminates via Shutdown or ctx
// cancellation. To run in the background, use `go pump.Run(ctx)`.
func (p *Pump) Run(ctx context.Context) error {
	if !p.state.TryTransition(StateConstructed, StateRunning) {
		if p.state.Load() == StateTerminated {
			return ErrPumpTerminated
		}
		return ErrPumpRunning
	}

	go p.transport.run()
	p.channels.run(ctx)
	<-p.transport.done

	p.state.Store(StateTerminated)
	close(p.done)

	return ctx.Err()
}

// Register hands a configured, connected socket to the pump under id and
// begins pumping between it and the given endpoints. Ownership of sock
// transfers to the transport loop: the caller must not touch it afterward.
//
// send carries outbound messages; closing it is the sole sanctioned way to
// tear down the socket. recv carries inbound messages, written non-blocking
// (messages are dropped while its buffer is full) and closed by the pump on
// teardown. Either may be nil for a one-directional socket; a socket with a
// nil recv endpoint is not polled for readability.
//
// Valid before Run and while running.
func (p *Pump) Register(id string, sock Socket, send <-chan Message, recv chan<- Message) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSocket)
	}
	if sock == nil {
		return fmt.Errorf("%w: nil socket (%q)", ErrInvalidSocket, id)
	}
	if send == nil && recv == nil {
		return ErrNoEndpoints
	}

	switch p.state.Load() {
	case StateConstructed, StateRunning:
	default:
		return ErrPumpTerminated
	}

	e := &endpointEntry{send: send, recv: recv, id: id}

	p.mu.Lock()
	if _, dup := p.ids[id]; dup {
		p.mu.Unlock()
		return ErrSocketRegistered
	}
	p.ids[id] = struct{}{}
	// The register command must precede any send command for this id in the
	// queue, so it is pushed before the endpoints become selectable.
	p.transport.commands.Push(command{op: opRegister, id: id, sock: sock, pollRead: recv != nil})
	queued := false
	if !p.started {
		p.pending = append(p.pending, e)
		queued = true
	}
	p.mu.Unlock()

	p.transport.wake()

	if !queued {
		select {
		case p.channels.register <- e:
		case <-p.done:
			return ErrPumpTerminated
		}
	}
	return nil
}

// Shutdown stops the pump: every registered socket receives a close, every
// recv endpoint is closed, and both loops exit after draining in-flight
// commands. It blocks until termination completes or ctx expires, and is
// idempotent.
func (p *Pump) Shutdown(ctx context.Context) error {
	for {
		switch s := p.state.Load(); s {
		case StateTerminated:
			return nil
		case StateConstructed:
			if !p.state.TryTransition(StateConstructed, StateTerminated) {
				continue
			}
			// Loops never started; release resources directly, including
			// sockets whose register commands were never processed.
			p.mu.Lock()
			pending := p.pending
			p.pending = nil
			p.started = true
			p.mu.Unlock()
			for _, e := range pending {
				if e.recv != nil {
					close(e.recv)
				}
			}
			for {
				cmd, ok := p.transport.commands.Pop()
				if !ok {
					break
				}
				if cmd.op == opRegister {
					_ = cmd.sock.Close()
				}
			}
			p.transport.teardown()
			close(p.done)
			return nil
		case StateRunning:
			if !p.state.TryTransition(StateRunning, StateShuttingDown) {
				continue
			}
			close(p.channels.stop)
		case StateShuttingDown:
			// Another caller initiated shutdown; wait with them.
		}
		break
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the pump has fully terminated.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// State returns the current lifecycle state.
func (p *Pump) State() State {
	return p.state.Load()
}

// Stats returns a snapshot of the pump counters.
func (p *Pump) Stats() Stats {
	return p.stats.snapshot()
}

// unregisterID releases an id for reuse once its entry is destroyed.
func (p *Pump) unregisterID(id string) {
	p.mu.Lock()
	delete(p.ids, id)
	p.mu.Unlock()
}

// reportError routes a non-fatal error to the configured handler, or logs it.
// Handler panics are contained: a reporting failure must never take down a
// loop.
func (p *Pump) reportError(err error) {
	if fn := p.opts.errorHandler; fn != nil {
		defer func() {
			if r := recover(); r != nil {
				p.opts.logger.Err().Any("panic", r).Log("error handler panicked")
			}
		}()
		fn(err)
		return
	}
	p.opts.logger.Warning().Err(err).Log("pump error")
}
