// Package signal carries status and control events from Peer Sessions back
// to the Torrent Instance over a single multi-producer, single-consumer
// channel. Senders never block.
package signal

import "net/netip"

// Kind tags the variant carried by an Event.
type Kind int

const (
	// KindBitfield reports a session's initial Bitfield message.
	KindBitfield Kind = iota
	// KindHave reports a single Have message.
	KindHave
	// KindPort reports a DHT listen port advertised by a Port message.
	KindPort
	// KindGone reports that a session closed and its last-known bitfield.
	KindGone
	// KindUnknown reports a decoded frame the core has no handling for.
	KindUnknown
)

// Event is a tagged union of everything a Peer Session reports to the
// Torrent Instance outside of the shared Download Manager's own state.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind Kind
	Peer netip.AddrPort

	Piece int    // KindHave
	Port  uint16 // KindPort

	Bitfield []byte // KindBitfield, KindGone: MSB-first bytes, copied
}

// Bus is the MPSC status queue shared by every Peer Session of one torrent
// and drained by its Torrent Instance. It is bounded by the buffer size
// given to NewBus; once that many events are unread, Send discards new
// events instead of queueing them.
//
// Grounded in the source implementation's Signal enum (Bitfield/Have/Port/
// Unknown) and the teacher's tagged PeerEvent[T] pattern: both model
// heterogeneous peer notifications as one tagged value flowing over a
// single channel rather than as a family of typed channels.
type Bus struct {
	ch chan Event
}

// NewBus returns a Bus whose channel is buffered to cap so that Send never
// blocks a Peer Session under ordinary operation; a very slow consumer
// still cannot stall a session indefinitely since Send drops the new event
// rather than blocking.
func NewBus(cap int) *Bus {
	if cap <= 0 {
		cap = 256
	}
	return &Bus{ch: make(chan Event, cap)}
}

// Send enqueues ev without blocking. If the buffer is full, the event is
// dropped — status events are diagnostic, not load-bearing for protocol
// correctness, so dropping one under extreme backpressure is preferable to
// blocking a session's message loop.
func (b *Bus) Send(ev Event) {
	select {
	case b.ch <- ev:
	default:
	}
}

// Events returns the receive-only channel for the Torrent Instance to
// range over.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close closes the channel. Callers must ensure no goroutine calls Send
// after Close.
func (b *Bus) Close() { close(b.ch) }
