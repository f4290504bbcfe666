package chanpump

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// defaultDispatchBuffer is the default capacity of the dispatch queue.
const defaultDispatchBuffer = 64

// pumpOptions holds configuration options for Pump creation.
type pumpOptions struct {
	logger         *logiface.Logger[logiface.Event]
	errorHandler   func(error)
	dispatchBuffer int
}

// Option configures a Pump instance.
type Option interface {
	applyPump(*pumpOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyPumpFunc func(*pumpOptions) error
}

func (o *optionImpl) applyPump(opts *pumpOptions) error {
	return o.applyPumpFunc(opts)
}

// WithLogger sets the structured logger used by both loops. A nil logger
// (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *pumpOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithDispatchBuffer sets the capacity of the dispatch queue, the channel by
// which the transport loop hands inbound messages to the channel loop.
// Inbound messages are dropped while it is full. Must be at least 1.
func WithDispatchBuffer(n int) Option {
	return &optionImpl{func(opts *pumpOptions) error {
		if n < 1 {
			return fmt.Errorf("chanpump: dispatch buffer must be at least 1, got %d", n)
		}
		opts.dispatchBuffer = n
		return nil
	}}
}

// WithErrorHandler sets the handler invoked for reportable errors (unknown
// socket ids, duplicate registrations, per-socket native failures). The
// handler is called from the loop goroutines and must not block. When unset,
// errors are logged at warning level via the configured logger.
func WithErrorHandler(fn func(error)) Option {
	return &optionImpl{func(opts *pumpOptions) error {
		opts.errorHandler = fn
		return nil
	}}
}

// resolvePumpOptions applies Option instances to pumpOptions.
func resolvePumpOptions(opts []Option) (*pumpOptions, error) {
	cfg := &pumpOptions{
		dispatchBuffer: defaultDispatchBuffer,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyPump(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
