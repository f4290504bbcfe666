// Package chanpump exposes non-thread-safe, message-oriented sockets to
// multi-threaded application code as thread-safe, bidirectional, buffered
// channels.
//
// # Architecture
//
// A [Pump] runs exactly two long-lived loops. The transport loop exclusively
// owns every registered native [Socket] and blocks in a single readiness poll
// (epoll on Linux, kqueue on Darwin) across all socket file descriptors plus
// an in-process wake fd. The channel loop exclusively owns routing over the
// application-facing endpoints and blocks in a single dynamic select across
// every registered send endpoint and the internal dispatch queue.
//
// The loops communicate only through three structures: a FIFO command queue
// (channel loop to transport loop), the wake fd (a doorbell that unblocks the
// transport loop's poll), and the dispatch queue (transport loop to channel
// loop). No socket is ever touched outside the transport loop, and no
// endpoint is ever routed outside the channel loop.
//
// # Thread Safety
//
// Application code may write to send endpoints and read from recv endpoints
// from any goroutine; that is the thread-safe surface this package exists to
// provide. [Pump.Register], [Pump.Shutdown], [Pump.Stats], and [Pump.State]
// are safe for concurrent use. A [Socket] handed to [Pump.Register] must not
// be used by the caller afterward: ownership transfers to the transport loop.
//
// # Backpressure
//
// The pump is deliberately lossy under pressure, never blocking:
//
//   - An outbound message is dropped when the native socket's send buffer is
//     full ([Stats].SendDrops).
//   - An inbound message is dropped when the dispatch queue is full, i.e. the
//     channel loop is not keeping up ([Stats].DeliveryDrops).
//   - An inbound message is dropped when its recv endpoint's buffer is full,
//     i.e. the application consumer is not keeping up ([Stats].RouteDrops).
//
// Blocking at any of those points would stall delivery for every other socket
// sharing the pump. Size endpoint buffers for your burst tolerance; the drops
// are counted, not surfaced as errors.
//
// # Lifecycle
//
// A Pump moves through Constructed, Running, ShuttingDown, and Terminated.
// [Pump.Run] starts both loops and blocks until the pump terminates, via
// [Pump.Shutdown] or context cancellation. Closing a socket's send endpoint
// is the sanctioned way to tear down that socket; shutdown tears down all of
// them, closes every recv endpoint, and releases the poller and wake fds.
package chanpump
