// Package fanout drives the per-subscriber delivery pumps for a Session's
// subscriber fan-out (§4.6): one Sink per subscriber connection, queuing
// serial output through a bounded internal/buffer.SubscriberQueue and
// relaying subscriber input back to the VM. A slow or gone subscriber is
// disconnected on queue overflow; it never blocks the serial path.
package fanout

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ibrahmsql/vspc/internal/buffer"
	"github.com/ibrahmsql/vspc/internal/logger"
)

// ErrQueueOverflow is returned by Sink.Run (wrapped) when a subscriber's
// outbound queue exceeds its byte budget.
var ErrQueueOverflow = errors.New("subscriber outbound queue overflow")

// InputFunc receives bytes a subscriber sent back toward the VM (§2: "Subscriber
// input flows in reverse"). It is typically wired to the owning Session's
// active connection's WriteData.
type InputFunc func(p []byte)

// Transport is the wire underneath a Sink. A raw net.Conn satisfies it
// directly; a framed transport (e.g. a WebSocket connection) satisfies it
// via a thin adapter that maps Write/Read onto WriteMessage/ReadMessage.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Sink is one subscriber's delivery pump: an outbound queue drained to its
// transport, and an inbound reader forwarding typed-back bytes via
// onInput. It is the fan-out analogue of the teacher's bidirectional
// relay — one goroutine per direction, torn down together on first error.
type Sink struct {
	id   string
	conn Transport

	queue *buffer.SubscriberQueue

	onInput InputFunc

	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	bytesOut int64
	bytesIn  int64
}

// NewSink creates a Sink for subscriber id, delivering output queued up to
// maxQueueBytes and forwarding any input read from conn to onInput (nil if
// the subscriber is output-only).
func NewSink(id string, conn Transport, maxQueueBytes int, onInput InputFunc) *Sink {
	queue := buffer.NewSubscriberQueue(id, maxQueueBytes)
	notify := make(chan struct{}, 1)
	queue.SetNotify(notify)
	return &Sink{
		id:      id,
		conn:    conn,
		queue:   queue,
		onInput: onInput,
		notify:  notify,
		done:    make(chan struct{}),
	}
}

// ID returns the subscriber id.
func (s *Sink) ID() string { return s.id }

// Queue returns the underlying bounded queue, for direct inspection (e.g.
// by a Session checking Overflowed before even attempting Enqueue).
func (s *Sink) Queue() *buffer.SubscriberQueue { return s.queue }

// Enqueue queues p for delivery and wakes the output pump. It never
// blocks. A false return means the subscriber has overflowed its budget
// and must be removed by the caller.
func (s *Sink) Enqueue(p []byte) bool {
	return s.queue.Enqueue(p)
}

// Run drives both pumps until either one exits (overflow, write failure,
// read failure, or Close), then tears the Sink down. Intended to run in
// its own goroutine, one per subscriber.
func (s *Sink) Run() error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		var out error
		if err := s.pumpOutput(); err != nil {
			out = fmt.Errorf("fanout output %s: %w", s.id, err)
		}
		errCh <- out
	}()

	if s.onInput != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out error
			if err := s.pumpInput(); err != nil {
				out = fmt.Errorf("fanout input %s: %w", s.id, err)
			}
			errCh <- out
		}()
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()

	// The first pump to exit (for any reason) tears the whole Sink down
	// so the other one unblocks too; its own error, if any, is the one
	// surfaced to the caller.
	err := <-errCh
	s.Close()
	for range errCh {
	}
	return err
}

func (s *Sink) pumpOutput() error {
	for {
		select {
		case <-s.done:
			return nil
		case <-s.notify:
		}
		for _, chunk := range s.queue.Drain() {
			if _, err := s.conn.Write(chunk); err != nil {
				return err
			}
			atomic.AddInt64(&s.bytesOut, int64(len(chunk)))
		}
		if s.queue.Overflowed() {
			logger.WarnWithFields("fanout: subscriber overflowed outbound queue, disconnecting", map[string]interface{}{"subscriber": s.id})
			return ErrQueueOverflow
		}
	}
}

func (s *Sink) pumpInput() error {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.onInput(append([]byte(nil), buf[:n]...))
			atomic.AddInt64(&s.bytesIn, int64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// Stats reports bytes delivered to (Out) and received from (In) this
// subscriber.
func (s *Sink) Stats() (out, in int64) {
	return atomic.LoadInt64(&s.bytesOut), atomic.LoadInt64(&s.bytesIn)
}

// Close tears down the Sink: it is idempotent and safe to call from any
// goroutine, including a pump tearing itself down on error.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
