package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/perimeterlabs/device-provisioning-backend/interfaces"
)

const endpointQueueDepth = 16

// InMemoryBus is a software bus hub for emulation and tests. The
// controller talks through the Bus interface; peripherals attach per
// address and get an Endpoint. Frames are copied on write, so callers may
// reuse their buffers.
type InMemoryBus struct {
	mu        sync.Mutex
	endpoints map[interfaces.BusAddr]*Endpoint
	writeErrs map[interfaces.BusAddr]error
	latency   time.Duration
	traffic   []TrafficRecord
	done      chan struct{}
	closed    bool
}

var _ Bus = (*InMemoryBus)(nil)

// TrafficRecord is one observed controller-side bus operation.
type TrafficRecord struct {
	Addr  interfaces.BusAddr
	Dir   string // "write" or "read"
	Frame []byte
}

// NewInMemoryBus creates an empty hub with no peripherals attached.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		endpoints: make(map[interfaces.BusAddr]*Endpoint),
		writeErrs: make(map[interfaces.BusAddr]error),
		done:      make(chan struct{}),
	}
}

// SetLatency makes every controller-side operation take at least d.
func (b *InMemoryBus) SetLatency(d time.Duration) *InMemoryBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
	return b
}

// FailWrites injects err on every write to addr. A nil err clears the
// fault.
func (b *InMemoryBus) FailWrites(addr interfaces.BusAddr, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.writeErrs, addr)
		return
	}
	b.writeErrs[addr] = err
}

// Attach registers a peripheral at addr and returns its endpoint.
func (b *InMemoryBus) Attach(addr interfaces.BusAddr) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, taken := b.endpoints[addr]; taken {
		return nil, fmt.Errorf("bus address 0x%02x already attached", uint8(addr))
	}
	ep := &Endpoint{
		addr:     addr,
		hub:      b,
		inbound:  make(chan []byte, endpointQueueDepth),
		outbound: make(chan []byte, endpointQueueDepth),
	}
	b.endpoints[addr] = ep
	return ep, nil
}

func (b *InMemoryBus) detach(addr interfaces.BusAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, addr)
}

func (b *InMemoryBus) endpoint(addr interfaces.BusAddr) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[addr]
	if !ok {
		return nil, fmt.Errorf("bus address 0x%02x: %w", uint8(addr), interfaces.ErrPeerUnreachable)
	}
	return ep, nil
}

func (b *InMemoryBus) wait(ctx context.Context) error {
	b.mu.Lock()
	d := b.latency
	b.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

// WriteTo delivers a frame to the peripheral attached at addr.
func (b *InMemoryBus) WriteTo(ctx context.Context, addr interfaces.BusAddr, frame []byte) error {
	b.mu.Lock()
	injected := b.writeErrs[addr]
	b.mu.Unlock()
	if injected != nil {
		return injected
	}
	ep, err := b.endpoint(addr)
	if err != nil {
		return err
	}
	if err := b.wait(ctx); err != nil {
		return err
	}
	cp := append([]byte(nil), frame...)
	select {
	case ep.inbound <- cp:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
	b.record(addr, "write", cp)
	return nil
}

// ReadFrom blocks until the peripheral attached at addr produces a frame.
func (b *InMemoryBus) ReadFrom(ctx context.Context, addr interfaces.BusAddr) ([]byte, error) {
	ep, err := b.endpoint(addr)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	select {
	case frame := <-ep.outbound:
		b.record(addr, "read", frame)
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBusClosed
	}
}

func (b *InMemoryBus) record(addr interfaces.BusAddr, dir string, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.traffic = append(b.traffic, TrafficRecord{Addr: addr, Dir: dir, Frame: frame})
}

// Traffic returns a copy of all controller-side operations so far.
func (b *InMemoryBus) Traffic() []TrafficRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TrafficRecord, len(b.traffic))
	copy(out, b.traffic)
	return out
}

// Close wakes every blocked reader and writer with ErrBusClosed.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// Endpoint is the peripheral-side attachment at a single bus address.
type Endpoint struct {
	addr     interfaces.BusAddr
	hub      *InMemoryBus
	inbound  chan []byte
	outbound chan []byte
}

// Addr returns the attached bus address.
func (e *Endpoint) Addr() interfaces.BusAddr { return e.addr }

// Read blocks until the controller writes a frame to this address.
func (e *Endpoint) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-e.inbound:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.hub.done:
		return nil, ErrBusClosed
	}
}

// Write queues a frame for the controller to read from this address.
func (e *Endpoint) Write(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case e.outbound <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.hub.done:
		return ErrBusClosed
	}
}

// ReadMessage reads and decodes the next envelope from the controller.
func (e *Endpoint) ReadMessage(ctx context.Context) (Message, error) {
	frame, err := e.Read(ctx)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(frame)
}

// WriteMessage encodes and queues an envelope for the controller.
func (e *Endpoint) WriteMessage(ctx context.Context, m Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return e.Write(ctx, frame)
}

// Close detaches the endpoint. Subsequent controller operations on this
// address fail with ErrPeerUnreachable.
func (e *Endpoint) Close() error {
	e.hub.detach(e.addr)
	return nil
}
