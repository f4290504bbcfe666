package chanpump

import "sync"

// commandOp tags the command union. The transport loop dispatches on it.
type commandOp uint8

const (
	opSend commandOp = iota + 1
	opRegister
	opClose
	// opShutdown rides the same FIFO queue as per-socket commands so the
	// close commands issued during teardown are processed before loop exit.
	opShutdown
)

// command is the tagged union carried from the channel loop (and Register
// callers) to the transport loop.
type command struct {
	sock     Socket  // opRegister
	id       string  // all but opShutdown
	msg      Message // opSend
	op       commandOp
	pollRead bool // opRegister: include the socket in readability polling
}

// commandChunkSize is the number of commands per node in the queue's linked
// list. Fixed-size arrays amortize allocations and keep pushes cache-local.
const commandChunkSize = 128

// commandChunk is a fixed-size node using readPos/pos cursors for O(1)
// push/pop without shifting.
type commandChunk struct {
	cmds    [commandChunkSize]command
	next    *commandChunk
	readPos int // first unread slot
	pos     int // first unused slot
}

// commandChunkPool prevents GC thrashing under high command throughput.
var commandChunkPool = sync.Pool{
	New: func() any {
		return &commandChunk{}
	},
}

func newCommandChunk() *commandChunk {
	c := commandChunkPool.Get().(*commandChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnCommandChunk clears retained references (sockets, payloads) before
// returning an exhausted chunk to the pool.
func returnCommandChunk(c *commandChunk) {
	for i := c.readPos; i < c.pos; i++ {
		c.cmds[i] = command{}
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	commandChunkPool.Put(c)
}

// commandQueue is a multi-producer/single-consumer FIFO queue of commands,
// built as a mutex-guarded chunked linked list. Producers are the channel
// loop and Register callers; the sole consumer is the transport loop.
// Commands are never reordered or coalesced.
type commandQueue struct {
	mu     sync.Mutex
	head   *commandChunk
	tail   *commandChunk
	length int
}

// Push appends a command. Safe for concurrent use.
func (q *commandQueue) Push(cmd command) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.tail == nil {
		q.tail = newCommandChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.cmds) {
		next := newCommandChunk()
		q.tail.next = next
		q.tail = next
	}

	q.tail.cmds[q.tail.pos] = cmd
	q.tail.pos++
	q.length++
}

// Pop removes and returns the oldest command. Returns false if the queue is
// empty. Safe for concurrent use, though only the transport loop calls it.
func (q *commandQueue) Pop() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == nil {
		return command{}, false
	}

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			// Only chunk and fully drained; reset cursors for reuse.
			q.head.pos = 0
			q.head.readPos = 0
			return command{}, false
		}
		oldHead := q.head
		q.head = q.head.next
		returnCommandChunk(oldHead)
	}

	if q.head.readPos >= q.head.pos {
		return command{}, false
	}

	cmd := q.head.cmds[q.head.readPos]
	// Zero out the popped slot so socket/payload references don't linger.
	q.head.cmds[q.head.readPos] = command{}
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos && q.head != q.tail {
		oldHead := q.head
		q.head = q.head.next
		returnCommandChunk(oldHead)
	}

	return cmd, true
}

// Length returns the number of queued commands.
func (q *commandQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}
