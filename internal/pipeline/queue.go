package pipeline

// chunkQueue is the bounded channel between capture and recognition. It has a
// single writer (capture) and a single reader (recognition).
//
// The writer calls evictIfFull before every push, so push never blocks: when
// the queue is full the oldest queued chunk is removed and handed back to the
// writer. Terminate is sent with close, which may block until the reader makes
// room. It is never evicted because nothing is pushed after it.
type chunkQueue struct {
	ch chan Message
}

func newChunkQueue(depth int) *chunkQueue {
	if depth < 1 {
		depth = 1
	}
	return &chunkQueue{ch: make(chan Message, depth)}
}

// evictIfFull removes and returns the oldest chunk when the queue is full.
func (q *chunkQueue) evictIfFull() (ChunkReady, bool) {
	if len(q.ch) < cap(q.ch) {
		return ChunkReady{}, false
	}
	select {
	case old := <-q.ch:
		cr, ok := old.(ChunkReady)
		return cr, ok
	default:
		// the reader emptied the queue in between
		return ChunkReady{}, false
	}
}

func (q *chunkQueue) push(msg ChunkReady) {
	q.ch <- msg
}

func (q *chunkQueue) close(t Terminate) {
	q.ch <- t
}

func (q *chunkQueue) receive() <-chan Message { return q.ch }
