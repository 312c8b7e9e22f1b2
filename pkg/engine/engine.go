// Package engine serializes instruction/status transactions onto the
// half-duplex servo bus: one transaction in flight at a time, FIFO across
// callers, with per-transaction deadlines and a collection window for
// multi-response instructions.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/protocol"
	"github.com/librescoot/dynamixel-service/pkg/transport"
)

const (
	// DefaultTimeout bounds a single-response transaction.
	DefaultTimeout = 100 * time.Millisecond
	// DefaultWindow is how long multi-response collection keeps the bus.
	DefaultWindow = 100 * time.Millisecond
)

var (
	ErrTimeout   = errors.New("transaction timeout")
	ErrCancelled = errors.New("transaction cancelled")
	ErrClosed    = errors.New("engine closed")
)

// TransportFailedError marks a transaction that died because the link did.
type TransportFailedError struct {
	Err error
}

func (e *TransportFailedError) Error() string {
	return fmt.Sprintf("transport failed: %v", e.Err)
}

func (e *TransportFailedError) Unwrap() error { return e.Err }

// Request describes one instruction to put on the bus.
type Request struct {
	ID          byte
	Instruction byte
	Params      []byte

	// Timeout overrides the engine default for single-response mode.
	Timeout time.Duration

	// ExpectIDs switches the transaction into multi-response mode: status
	// frames are collected until every listed id reported or Window
	// expired. With AnyID set the responder set is unknown and only the
	// window ends collection.
	ExpectIDs []byte
	AnyID     bool
	Window    time.Duration

	// NoResponse resolves the transaction right after the send.
	NoResponse bool
}

type result struct {
	status *protocol.StatusPacket
	group  map[byte]*protocol.StatusPacket
	err    error
}

type transaction struct {
	req  Request
	ctx  context.Context
	done chan result
}

func (t *transaction) resolve(r result) {
	select {
	case t.done <- r:
	default:
	}
}

// Engine owns the transport for the duration of the session.
type Engine struct {
	tr      transport.Transport
	timeout time.Duration
	window  time.Duration
	debug   bool

	frames    chan []byte
	submit    chan *transaction
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

func WithDebug(debug bool) Option {
	return func(e *Engine) { e.debug = debug }
}

// New wires the engine to tr and starts its bus goroutine. The engine
// installs itself as the transport's frame handler.
func New(tr transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		tr:      tr,
		timeout: DefaultTimeout,
		window:  DefaultWindow,
		frames:  make(chan []byte, 64),
		submit:  make(chan *transaction, 16),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	tr.SetHandler(e.onFrame)

	e.wg.Add(1)
	go e.run()
	return e
}

// Timeout returns the engine's default single-response timeout.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Window returns the engine's default collection window.
func (e *Engine) Window() time.Duration { return e.window }

func (e *Engine) onFrame(frame []byte) {
	select {
	case e.frames <- frame:
	default:
		log.Printf("RX frame dropped, engine queue full")
	}
}

// Transact sends a single-response instruction and waits for the matching
// status frame.
func (e *Engine) Transact(ctx context.Context, req Request) (*protocol.StatusPacket, error) {
	req.ExpectIDs = nil
	req.AnyID = false
	req.NoResponse = false
	r, err := e.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.status, nil
}

// Collect sends a multi-response instruction (group sync read, broadcast
// ping) and gathers status frames until the expected set is complete or the
// window closes. The partial map is returned even when ids are missing;
// callers decide how to report them.
func (e *Engine) Collect(ctx context.Context, req Request) (map[byte]*protocol.StatusPacket, error) {
	if len(req.ExpectIDs) == 0 {
		req.AnyID = true
	}
	req.NoResponse = false
	r, err := e.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.group, nil
}

// Submit sends an instruction that gets no status frame back (broadcast
// writes, sync write). It still waits its turn in the bus queue.
func (e *Engine) Submit(ctx context.Context, req Request) error {
	req.NoResponse = true
	req.ExpectIDs = nil
	req.AnyID = false
	_, err := e.execute(ctx, req)
	return err
}

func (e *Engine) execute(ctx context.Context, req Request) (result, error) {
	txn := &transaction{
		req:  req,
		ctx:  ctx,
		done: make(chan result, 1),
	}

	select {
	case e.submit <- txn:
	case <-ctx.Done():
		return result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-e.stop:
		return result{}, ErrClosed
	}

	select {
	case r := <-txn.done:
		if r.err != nil {
			return result{}, r.err
		}
		return r, nil
	case <-e.stop:
		return result{}, ErrClosed
	}
}

// Close cancels the in-flight transaction, fails everything still queued and
// stops the bus goroutine.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
	})
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case txn := <-e.submit:
			e.process(txn)
		}
	}
}

func (e *Engine) process(txn *transaction) {
	if err := txn.ctx.Err(); err != nil {
		txn.resolve(result{err: fmt.Errorf("%w: %v", ErrCancelled, err)})
		return
	}

	// Frames left over from a previous transaction are stale by now.
	e.drainFrames()

	packet, err := protocol.BuildInstruction(txn.req.ID, txn.req.Instruction, txn.req.Params)
	if err != nil {
		txn.resolve(result{err: err})
		return
	}
	if err := e.tr.Send(packet); err != nil {
		txn.resolve(result{err: &TransportFailedError{Err: err}})
		return
	}

	switch {
	case txn.req.NoResponse:
		txn.resolve(result{})
	case txn.req.AnyID || len(txn.req.ExpectIDs) > 0:
		e.awaitMulti(txn)
	default:
		e.awaitSingle(txn)
	}
}

func (e *Engine) awaitSingle(txn *transaction) {
	timeout := txn.req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			txn.resolve(result{err: ErrCancelled})
			return
		case <-txn.ctx.Done():
			txn.resolve(result{err: fmt.Errorf("%w: %v", ErrCancelled, txn.ctx.Err())})
			return
		case <-timer.C:
			e.tr.Flush()
			txn.resolve(result{err: ErrTimeout})
			return
		case frame := <-e.frames:
			st, ok := e.parseFrame(frame)
			if !ok {
				continue
			}
			if st.ID != txn.req.ID {
				log.Printf("Stray status frame from id %d while waiting for %d", st.ID, txn.req.ID)
				continue
			}
			txn.resolve(result{status: st})
			return
		}
	}
}

func (e *Engine) awaitMulti(txn *transaction) {
	window := txn.req.Window
	if window <= 0 {
		window = e.window
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	expected := make(map[byte]bool, len(txn.req.ExpectIDs))
	for _, id := range txn.req.ExpectIDs {
		expected[id] = true
	}
	collected := make(map[byte]*protocol.StatusPacket)

	for {
		select {
		case <-e.stop:
			txn.resolve(result{err: ErrCancelled})
			return
		case <-txn.ctx.Done():
			txn.resolve(result{err: fmt.Errorf("%w: %v", ErrCancelled, txn.ctx.Err())})
			return
		case <-timer.C:
			e.tr.Flush()
			txn.resolve(result{group: collected})
			return
		case frame := <-e.frames:
			st, ok := e.parseFrame(frame)
			if !ok {
				continue
			}
			if !txn.req.AnyID && !expected[st.ID] {
				log.Printf("Unexpected status frame from id %d during collection", st.ID)
				continue
			}
			collected[st.ID] = st
			if !txn.req.AnyID && len(collected) == len(expected) {
				txn.resolve(result{group: collected})
				return
			}
		}
	}
}

// parseFrame decodes a reassembled frame, dropping anything that fails CRC
// or is not a status packet. Parse failures are local: they never fail the
// transaction directly, the deadline does.
func (e *Engine) parseFrame(frame []byte) (*protocol.StatusPacket, bool) {
	st, err := protocol.ParseStatus(frame)
	if err != nil {
		log.Printf("Dropping bad frame (%v): %s", err, hex.EncodeToString(frame))
		return nil, false
	}
	if e.debug {
		log.Printf("RX status: id=%d err=0x%02x params=%s", st.ID, st.Error, hex.EncodeToString(st.Params))
	}
	return st, true
}

func (e *Engine) drainFrames() {
	for {
		select {
		case frame := <-e.frames:
			log.Printf("Discarding stale frame: %s", hex.EncodeToString(frame))
		default:
			return
		}
	}
}
