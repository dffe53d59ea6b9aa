// Package memlink implements an in-memory link driver: two endpoints
// joined by buffered channels. It backs the integration tests and the
// `inmem` driver config subtree.
package memlink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/types"
)

// DefaultMTU is deliberately small so multi-fragment streams show up in
// tests without megabytes of payload.
const DefaultMTU = 1200

const queueDepth = 64

// Endpoint is one side of an in-memory link.
type Endpoint struct {
	name string
	mtu  uint16

	tx chan<- frame.Envelope
	rx <-chan frame.Envelope

	started time.Time
	txBytes atomic.Uint64
	rxBytes atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPair creates two connected endpoints with the given MTU.
func NewPair(nameA, nameB string, mtu uint16) (*Endpoint, *Endpoint) {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	ab := make(chan frame.Envelope, queueDepth)
	ba := make(chan frame.Envelope, queueDepth)
	now := time.Now()
	closed := make(chan struct{})
	a := &Endpoint{name: nameA, mtu: mtu, tx: ab, rx: ba, started: now, closed: closed}
	b := &Endpoint{name: nameB, mtu: mtu, tx: ba, rx: ab, started: now, closed: closed}
	return a, b
}

// Close tears the link down for both sides.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}

func (e *Endpoint) Identifier() string {
	return "mem:" + e.name
}

func (e *Endpoint) Status() types.LinkStatus {
	select {
	case <-e.closed:
		return types.LinkDown
	default:
		return types.LinkUp
	}
}

func (e *Endpoint) MTU() uint16 {
	return e.mtu
}

func (e *Endpoint) MetricsForNeighbour(types.Neighbour) (types.NeighbourMetrics, error) {
	elapsed := time.Since(e.started).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return types.NeighbourMetrics{
		WriteBandwidth: uint64(float64(e.txBytes.Load()) / elapsed),
		ReadBandwidth:  uint64(float64(e.rxBytes.Load()) / elapsed),
	}, nil
}

// StartPeering is meaningless for a pre-wired pair.
func (e *Endpoint) StartPeering(context.Context, string, string) (uint32, error) {
	return 0, fmt.Errorf("memlink: peering is fixed at construction")
}

// Send transmits to the opposite endpoint. This is a one-to-one link: a
// set exclude means the frame would echo back to its origin, so it is
// dropped.
func (e *Endpoint) Send(ctx context.Context, env frame.Envelope, _ types.Neighbour, exclude *uint32) error {
	if exclude != nil {
		return nil
	}
	if len(env.Buffer) > int(e.mtu) {
		return fmt.Errorf("%w: %d bytes over mtu %d", types.ErrFrameTooLarge, len(env.Buffer), e.mtu)
	}
	select {
	case <-e.closed:
		return fmt.Errorf("memlink %s: link is down", e.name)
	default:
	}
	select {
	case e.tx <- env:
		e.txBytes.Add(uint64(len(env.Buffer)))
		return nil
	case <-e.closed:
		return fmt.Errorf("memlink %s: link is down", e.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks for the next inbound envelope. Channel receive commits
// atomically, so cancellation between arrival and return cannot drop a
// frame.
func (e *Endpoint) Next(ctx context.Context) (frame.Envelope, types.Neighbour, error) {
	select {
	case env := <-e.rx:
		e.rxBytes.Add(uint64(len(env.Buffer)))
		return env, types.SingleNeighbour(1), nil
	case <-e.closed:
		return frame.Envelope{}, types.Neighbour{}, fmt.Errorf("memlink %s: link is down", e.name)
	case <-ctx.Done():
		return frame.Envelope{}, types.Neighbour{}, ctx.Err()
	}
}
