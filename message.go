package chanpump

// Message is a single unit of transfer: an ordered sequence of one or more
// opaque frames. The pump is format-agnostic beyond this framing distinction;
// frame boundaries are whatever the native socket library defines.
type Message [][]byte

// Bytes wraps a single frame as a Message.
func Bytes(b []byte) Message { return Message{b} }

// String wraps a single string frame as a Message.
func String(s string) Message { return Message{[]byte(s)} }
