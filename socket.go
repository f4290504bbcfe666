package chanpump

// Socket is the boundary with the underlying native socket library.
//
// A Socket handed to [Pump.Register] must already be fully configured and
// bound or connected by caller code; from that point the pump is the only
// code allowed to touch it, and it does so exclusively from the transport
// loop, only via the four operations below.
//
// Implementations are not required to be safe for concurrent use: the pump
// serializes all access on a single goroutine.
type Socket interface {
	// Fd returns a file descriptor suitable for inclusion in a readiness
	// poll. The descriptor must be level-triggered readable whenever Recv
	// would succeed without blocking.
	Fd() (int, error)

	// Send attempts a non-blocking send of one complete message (all frames
	// or nothing). It returns ErrWouldBlock when the socket's outbound
	// buffer is full; the pump drops the message in that case.
	Send(msg Message) error

	// Recv attempts a non-blocking receive of one complete message,
	// accumulating all frames of a multipart message. It returns
	// ErrWouldBlock when no complete message is pending.
	Recv() (Message, error)

	// Close releases the socket. Called exactly once by the transport loop
	// when the socket's entry is destroyed or at shutdown.
	Close() error
}
