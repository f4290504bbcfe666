// Package pair provides connected, in-process, PAIR-style message sockets
// over an AF_UNIX datagram socketpair, implementing the chanpump.Socket
// boundary. Each message occupies one datagram; multipart frames are encoded
// inside the datagram with uvarint length prefixes, so a message is sent and
// received atomically.
//
// The sockets are non-blocking: a full peer receive queue yields
// chanpump.ErrWouldBlock on Send, and an empty queue yields it on Recv.
package pair

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/chanpump/chanpump"
)

// Standard errors.
var (
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("pair: socket closed")

	// ErrMessageTooLarge is returned by Send when the encoded message
	// exceeds the datagram limit.
	ErrMessageTooLarge = errors.New("pair: message exceeds datagram limit")
)

// maxDatagram bounds the encoded size of a single message. Receives use a
// buffer of this size; anything larger would be silently truncated by the
// kernel, so Send rejects it instead.
const maxDatagram = 64 << 10

// Socket is one end of an in-process pair. It satisfies the single-owner
// contract of chanpump.Socket: not safe for concurrent use.
type Socket struct {
	rbuf   []byte
	fd     int
	closed atomic.Bool
}

var _ chanpump.Socket = (*Socket)(nil)

// New returns two connected sockets. Whatever is sent on one is received on
// the other, in order, with message boundaries preserved.
func New() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("pair: socketpair: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, nil, fmt.Errorf("pair: set nonblock: %w", err)
		}
	}
	a := &Socket{fd: fds[0], rbuf: make([]byte, maxDatagram)}
	b := &Socket{fd: fds[1], rbuf: make([]byte, maxDatagram)}
	return a, b, nil
}

// Fd returns the socket's file descriptor, readable whenever a message is
// pending.
func (s *Socket) Fd() (int, error) {
	if s.closed.Load() {
		return -1, ErrClosed
	}
	return s.fd, nil
}

// Send encodes msg into a single datagram and sends it without blocking.
// All frames are sent, or none.
func (s *Socket) Send(msg chanpump.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}

	size := 0
	for _, frame := range msg {
		size += uvarintLen(uint64(len(frame))) + len(frame)
	}
	if size > maxDatagram {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, maxDatagram)
	}

	buf := make([]byte, 0, size)
	var tmp [binary.MaxVarintLen64]byte
	for _, frame := range msg {
		n := binary.PutUvarint(tmp[:], uint64(len(frame)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, frame...)
	}

	if err := unix.Send(s.fd, buf, 0); err != nil {
		if err == unix.EAGAIN || err == unix.ENOBUFS {
			return chanpump.ErrWouldBlock
		}
		return fmt.Errorf("pair: send: %w", err)
	}
	return nil
}

// Recv receives one datagram without blocking and decodes it into a message.
// Returned frames do not alias the internal buffer.
func (s *Socket) Recv() (chanpump.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	n, _, err := unix.Recvfrom(s.fd, s.rbuf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, chanpump.ErrWouldBlock
		}
		return nil, fmt.Errorf("pair: recv: %w", err)
	}

	msg := make(chanpump.Message, 0, 1)
	rest := s.rbuf[:n]
	for len(rest) > 0 {
		frameLen, k := binary.Uvarint(rest)
		if k <= 0 || frameLen > uint64(len(rest)-k) {
			return nil, fmt.Errorf("pair: malformed datagram (%d bytes)", n)
		}
		frame := make([]byte, frameLen)
		copy(frame, rest[k:k+int(frameLen)])
		msg = append(msg, frame)
		rest = rest[k+int(frameLen):]
	}
	return msg, nil
}

// Close releases the socket. Idempotent.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return unix.Close(s.fd)
}

// uvarintLen returns the encoded length of v.
func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
