package chanpump

import "errors"

// Standard errors.
var (
	// ErrWouldBlock is returned by Socket implementations when a non-blocking
	// send or receive cannot complete immediately. The pump treats it as the
	// drop signal; any other error is reported.
	ErrWouldBlock = errors.New("chanpump: operation would block")

	// ErrPumpRunning is returned when Run is called on a pump that is already
	// running.
	ErrPumpRunning = errors.New("chanpump: pump is already running")

	// ErrPumpTerminated is returned when operations are attempted on a pump
	// that has been shut down.
	ErrPumpTerminated = errors.New("chanpump: pump has been terminated")

	// ErrSocketRegistered is returned when a socket id is already registered.
	ErrSocketRegistered = errors.New("chanpump: socket id already registered")

	// ErrSocketNotRegistered is reported when a command references an unknown
	// socket id, e.g. a send racing a close.
	ErrSocketNotRegistered = errors.New("chanpump: socket id not registered")

	// ErrInvalidSocket is returned when a socket cannot be registered, e.g.
	// a nil socket, an empty id, or a socket whose fd cannot be obtained.
	ErrInvalidSocket = errors.New("chanpump: invalid socket")

	// ErrNoEndpoints is returned by Register when both endpoints are nil.
	ErrNoEndpoints = errors.New("chanpump: at least one endpoint required")
)
