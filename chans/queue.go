package chans

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/outofforest/strata/wire"
)

// Envelope is a frame queued on a virtual channel.
type Envelope struct {
	Header  wire.Header
	Payload []byte
	Closing bool
	Next    *Envelope
}

// newSendQueue creates an ordered send queue for one (peer, channel) pair.
func newSendQueue() *sendQueue {
	head := &Envelope{}
	return &sendQueue{
		tail:           &head.Next,
		head:           head,
		availableCount: lo.ToPtr[uint64](0),
	}
}

// sendQueue keeps envelopes in strict push order. Envelopes form an
// intrusive list; the pump observes availability through an atomic counter
// so pushing never blocks on the pump.
type sendQueue struct {
	mu             sync.Mutex
	tail           **Envelope
	head           *Envelope
	availableCount *uint64
	sequence       uint64
}

// Push appends an envelope, stamping its channel sequence number.
func (q *sendQueue) Push(item *Envelope) {
	q.mu.Lock()
	q.sequence++
	item.Header.Sequence = q.sequence
	*q.tail = item
	q.tail = &item.Next
	q.mu.Unlock()

	atomic.AddUint64(q.availableCount, 1)
}

// NewReader creates the queue reader used by the pump.
func (q *sendQueue) NewReader() *queueReader {
	return &queueReader{
		head:           &q.head.Next,
		availableCount: q.availableCount,
		processedCount: lo.ToPtr[uint64](0),
	}
}

type queueReader struct {
	head           **Envelope
	availableCount *uint64
	processedCount *uint64

	currentAvailableCount uint64
	currentProcessedCount uint64
}

const maxProcessChunkSize = 64

// Count returns the number of envelopes ready to send, waiting for at
// least one.
func (qr *queueReader) Count() uint64 {
	atomic.StoreUint64(qr.processedCount, qr.currentProcessedCount)
	for {
		qr.currentAvailableCount = atomic.LoadUint64(qr.availableCount)
		if toProcess := qr.currentAvailableCount - qr.currentProcessedCount; toProcess > 0 {
			if toProcess > maxProcessChunkSize {
				return maxProcessChunkSize
			}
			return toProcess
		}

		time.Sleep(10 * time.Microsecond)
	}
}

// Read reads the next envelope.
func (qr *queueReader) Read() *Envelope {
	h := *qr.head
	qr.head = &h.Next
	qr.currentProcessedCount++
	return h
}
