// Package stream implements PairedStream, a bounded single-producer
// single-consumer byte channel with a push-style write end and a
// non-blocking pull-style read end.
//
// The read end never blocks: it returns [code.hybscloud.com/iox.ErrWouldBlock]
// when the stream is open and nothing is queued, and io.EOF once the write end
// has closed and every queued byte has been read.
package stream

import (
	"io"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// DefaultCapacity is the number of chunks a Paired can hold before the write
// end backs off.
const DefaultCapacity = 64

// Paired joins one Writer to one Reader.
type Paired struct {
	queue lfq.SPSC[[]byte]

	writeClosed atomix.Uint32
	readClosed  atomix.Uint32

	w Writer
	r Reader
}

// New creates a Paired holding at most capacity chunks. Capacity is rounded
// up to a power of two.
func New(capacity int) *Paired {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Paired{}
	p.queue.Init(roundPow2(capacity))
	p.w.p = p
	p.r.p = p
	return p
}

// Writer returns the push half. Only one goroutine may write.
func (p *Paired) Writer() *Writer { return &p.w }

// Reader returns the pull half. Only one goroutine may read.
func (p *Paired) Reader() *Reader { return &p.r }

// Close terminates both halves.
func (p *Paired) Close() {
	p.w.Close()
	p.r.Close()
}

// Closed reports whether either half has been closed.
func (p *Paired) Closed() bool {
	return p.writeClosed.Load() != 0 || p.readClosed.Load() != 0
}

type Writer struct {
	p *Paired
}

// Write copies b into the stream, backing off while the queue is full. After
// either half is closed, Write discards b and reports success so a producer
// racing a cancellation does not observe an error.
func (w *Writer) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)

	var bo iox.Backoff
	for {
		if w.p.Closed() {
			return len(b), nil
		}
		err := w.p.queue.Enqueue(&chunk)
		if err == nil {
			return len(b), nil
		}
		if !iox.IsWouldBlock(err) {
			return 0, err
		}
		bo.Wait()
	}
}

// TryWrite is the non-blocking form of Write. It returns iox.ErrWouldBlock
// when the queue is full.
func (w *Writer) TryWrite(b []byte) (int, error) {
	if len(b) == 0 || w.p.Closed() {
		return len(b), nil
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	if err := w.p.queue.Enqueue(&chunk); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close marks that no more bytes will be written. Queued bytes remain
// readable.
func (w *Writer) Close() error {
	w.p.writeClosed.Add(1)
	return nil
}

type Reader struct {
	p *Paired

	current []byte
	offset  int
}

// Read copies up to len(b) bytes of the next queued chunk into b. Bytes of
// a chunk that do not fit are kept for the next call.
func (r *Reader) Read(b []byte) (int, error) {
	if r.p.readClosed.Load() != 0 {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}

	if r.current == nil {
		chunk, ok := r.next()
		if !ok {
			if r.p.writeClosed.Load() == 0 {
				return 0, iox.ErrWouldBlock
			}
			// the writer may have enqueued right before closing
			if chunk, ok = r.next(); !ok {
				return 0, io.EOF
			}
		}
		r.current = chunk
		r.offset = 0
	}

	n := copy(b, r.current[r.offset:])
	r.offset += n
	if r.offset >= len(r.current) {
		r.current = nil
		r.offset = 0
	}
	return n, nil
}

// Close abandons the stream from the reading side. Later writes are dropped.
func (r *Reader) Close() error {
	r.p.readClosed.Add(1)
	return nil
}

func (r *Reader) next() ([]byte, bool) {
	chunk, err := r.p.queue.Dequeue()
	if err != nil {
		return nil, false
	}
	return chunk, true
}

// Available reports whether a Read would return data without blocking.
func (r *Reader) Available() bool {
	if r.current != nil {
		return true
	}
	chunk, ok := r.next()
	if !ok {
		return false
	}
	r.current = chunk
	r.offset = 0
	return true
}

func roundPow2(n int) int {
	v := 1
	for v < n {
		v <<= 1
	}
	return v
}
