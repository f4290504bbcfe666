package chanpump

import (
	"context"
	"reflect"
)

// endpointEntry is the channel loop's record of a registered socket's
// application-facing endpoints. Entries are created by Register and mutated
// exclusively by the channel loop.
type endpointEntry struct {
	send <-chan Message
	recv chan<- Message
	id   string
}

// Static select case indexes; dynamic send-endpoint cases follow.
const (
	caseStop = iota
	caseCtxDone
	caseDispatch
	caseRegister
	numStaticCases
)

// channelLoop owns routing over the application-facing endpoints. It blocks
// in a single dynamic select across the stop signal, the run context, the
// dispatch queue, the registration channel, and every registered socket's
// send endpoint.
type channelLoop struct {
	pump     *Pump
	dispatch <-chan delivery
	register chan *endpointEntry
	stop     chan struct{}
	done     chan struct{}
	entries  map[string]*endpointEntry
	cases    []reflect.SelectCase
	ids      []string // parallel to cases[numStaticCases:]
}

// run is the channel loop body. It exits on stop, context cancellation, or
// the dispatch queue closing (the transport loop died), after tearing down
// every registered entry.
func (l *channelLoop) run(ctx context.Context) {
	defer close(l.done)

	// Ingest sockets registered before Run, under the same lock Register
	// uses, so no registration can fall between the pre-run batch and the
	// live registration channel.
	l.pump.mu.Lock()
	l.pump.started = true
	pending := l.pump.pending
	l.pump.pending = nil
	l.pump.mu.Unlock()

	l.cases = make([]reflect.SelectCase, numStaticCases, numStaticCases+8)
	l.cases[caseStop] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.stop)}
	l.cases[caseCtxDone] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
	l.cases[caseDispatch] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.dispatch)}
	l.cases[caseRegister] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.register)}

	for _, e := range pending {
		l.addEntry(e)
	}

	for {
		chosen, value, ok := reflect.Select(l.cases)
		switch chosen {
		case caseStop, caseCtxDone:
			l.teardown()
			return
		case caseDispatch:
			if !ok {
				l.teardown()
				return
			}
			l.route(value.Interface().(delivery))
		case caseRegister:
			l.addEntry(value.Interface().(*endpointEntry))
		default:
			idx := chosen - numStaticCases
			if !ok {
				// The application closed the send endpoint: the sanctioned
				// per-socket teardown signal.
				l.closeEntry(idx)
				continue
			}
			l.pump.transport.commands.Push(command{op: opSend, id: l.ids[idx], msg: value.Interface().(Message)})
			l.pump.transport.wake()
		}
	}
}

// addEntry starts selecting the entry's send endpoint, if it has one.
func (l *channelLoop) addEntry(e *endpointEntry) {
	l.entries[e.id] = e
	if e.send != nil {
		l.cases = append(l.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.send)})
		l.ids = append(l.ids, e.id)
	}
	l.pump.opts.logger.Debug().Str("socket", e.id).Log("endpoints attached")
}

// route writes an inbound payload to the matching socket's recv endpoint.
// The write is non-blocking: a stalled consumer costs that socket messages,
// never the pump.
func (l *channelLoop) route(d delivery) {
	e, ok := l.entries[d.id]
	if !ok || e.recv == nil {
		// Shutdown race: delivery for an id just closed.
		l.pump.stats.routeDrops.Add(1)
		l.pump.opts.logger.Debug().Str("socket", d.id).Log("inbound message dropped: socket closed")
		return
	}
	select {
	case e.recv <- d.msg:
	default:
		l.pump.stats.routeDrops.Add(1)
		l.pump.opts.logger.Debug().Str("socket", d.id).Log("inbound message dropped: recv endpoint full")
	}
}

// closeEntry tears down the dynamic case at idx: enqueues a close command,
// closes the recv endpoint, and stops selecting the send endpoint.
func (l *channelLoop) closeEntry(idx int) {
	id := l.ids[idx]
	l.pump.transport.commands.Push(command{op: opClose, id: id})
	l.pump.transport.wake()

	if e, ok := l.entries[id]; ok {
		if e.recv != nil {
			close(e.recv)
		}
		delete(l.entries, id)
	}
	l.pump.unregisterID(id)

	// Swap-remove; per-socket ordering is unaffected by case order.
	last := len(l.ids) - 1
	l.cases[numStaticCases+idx] = l.cases[numStaticCases+last]
	l.ids[idx] = l.ids[last]
	l.cases = l.cases[:numStaticCases+last]
	l.ids = l.ids[:last]
}

// teardown issues a close command for every live entry, closes every recv
// endpoint, then enqueues the shutdown command. FIFO queue order guarantees
// the transport loop processes the closes before it exits.
func (l *channelLoop) teardown() {
	// ctx cancellation reaches here without passing through Shutdown.
	l.pump.state.TryTransition(StateRunning, StateShuttingDown)

	for id, e := range l.entries {
		l.pump.transport.commands.Push(command{op: opClose, id: id})
		if e.recv != nil {
			close(e.recv)
		}
		delete(l.entries, id)
		l.pump.unregisterID(id)
	}

	// Registrations still parked in the channel: their register commands are
	// already queued, so the transport teardown releases the sockets; the
	// endpoints are dealt with here.
	for {
		select {
		case e := <-l.register:
			if e.recv != nil {
				close(e.recv)
			}
			l.pump.unregisterID(e.id)
			continue
		default:
		}
		break
	}

	l.pump.transport.commands.Push(command{op: opShutdown})
	l.pump.transport.wake()
}
