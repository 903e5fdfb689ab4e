package transport

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by PipeLink.Write when the outbound queue is
// saturated, letting the forwarder's backpressure logic (spec.md §4.6)
// observe a full queue without blocking.
var ErrQueueFull = errors.New("transport: outbound queue full")

// PipeLink is an in-memory Link used by tests and the cmd/meshd
// simulate mode, standing in for a real BLE GATT binding. NewPipe
// returns two endpoints wired to each other: writes on one arrive as
// reads on the other.
type PipeLink struct {
	mu       sync.Mutex
	out      chan []byte
	peerOut  chan []byte // the other side's inbound channel; our writes land here
	closed   bool
	capacity int
}

// NewPipe creates a connected pair of PipeLinks with the given outbound
// queue capacity (used to exercise QUEUE_HIGH_WATER/QUEUE_LOW_WATER
// backpressure in tests).
func NewPipe(capacity int) (a, b *PipeLink) {
	aIn := make(chan []byte, capacity)
	bIn := make(chan []byte, capacity)
	a = &PipeLink{out: aIn, peerOut: bIn, capacity: capacity}
	b = &PipeLink{out: bIn, peerOut: aIn, capacity: capacity}
	return a, b
}

func (p *PipeLink) Write(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("transport: write on disconnected link")
	}
	p.mu.Unlock()

	cp := append([]byte(nil), frame...)
	select {
	case p.peerOut <- cp:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *PipeLink) Reads() <-chan []byte { return p.out }

// QueueLen reports how many frames are currently queued for the peer
// to read — used by tests driving the forwarder's backpressure logic.
func (p *PipeLink) QueueLen() int { return len(p.peerOut) }

func (p *PipeLink) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}
