package chanpump

import "sync/atomic"

// Stats is a point-in-time snapshot of pump counters. Drops are counted, not
// surfaced as errors: surfacing them would require a feedback channel the
// design deliberately omits.
type Stats struct {
	// Sends is the number of messages successfully handed to native sockets.
	Sends uint64
	// SendDrops is the number of outbound messages dropped because the
	// native socket's send buffer was full.
	SendDrops uint64
	// Deliveries is the number of inbound messages handed to the dispatch
	// queue.
	Deliveries uint64
	// DeliveryDrops is the number of inbound messages dropped because the
	// dispatch queue was full (the channel loop was not keeping up).
	DeliveryDrops uint64
	// RouteDrops is the number of inbound messages dropped because a recv
	// endpoint's buffer was full (the application was not keeping up), or
	// because the target socket had already been closed.
	RouteDrops uint64
	// Commands is the number of commands processed by the transport loop.
	Commands uint64
}

// counters backs Stats. Each field has a single writer (one of the two
// loops); readers take snapshots via Stats.
type counters struct {
	sends         atomic.Uint64
	sendDrops     atomic.Uint64
	deliveries    atomic.Uint64
	deliveryDrops atomic.Uint64
	routeDrops    atomic.Uint64
	commands      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sends:         c.sends.Load(),
		SendDrops:     c.sendDrops.Load(),
		Deliveries:    c.deliveries.Load(),
		DeliveryDrops: c.deliveryDrops.Load(),
		RouteDrops:    c.routeDrops.Load(),
		Commands:      c.commands.Load(),
	}
}
