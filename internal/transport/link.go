// Package transport defines the Link abstraction spec.md §6 requires
// the core to consume: a framed, unreliable, bidirectional byte
// transport between neighbors, link-agnostic so a BLE GATT binding (the
// canonical one) or any equivalent substitutes without touching the
// mesh core. It plays the role the teacher's conn.Bind/conn.Endpoint
// pair plays for UDP sockets, generalized to a discover-then-connect
// model instead of WireGuard's static-endpoint model.
package transport

import "context"

// EventKind enumerates the scanner-level events the mesh reacts to.
type EventKind int

const (
	Discovered EventKind = iota
	Updated
	LinkDown
)

func (k EventKind) String() string {
	switch k {
	case Discovered:
		return "Discovered"
	case Updated:
		return "Updated"
	case LinkDown:
		return "LinkDown"
	default:
		return "Unknown"
	}
}

// Event is one scanner notification. Handle identifies the remote
// device at the link layer — a BLE peripheral address in the canonical
// binding — and is opaque to the mesh core until a Session binds it to
// a PeerId.
type Event struct {
	Kind   EventKind
	Handle string
}

// Scanner is the discovery side of a Link implementation: it emits
// Discovered/Updated/LinkDown events and can be asked to open a Link to
// a previously discovered handle.
type Scanner interface {
	// Events returns the scanner's event stream. Closed when the
	// scanner is stopped.
	Events() <-chan Event

	// Connect opens a Link to handle, bounded by ctx (spec.md's 10 s
	// connection attempt timeout is applied by the caller via ctx).
	Connect(ctx context.Context, handle string) (Link, error)

	// Scan requests a fresh discovery pass (the "request a fresh
	// neighbor scan" periodic task in spec.md §4.5).
	Scan(ctx context.Context) error

	// Close stops the scanner and closes its event stream.
	Close() error
}

// Link is one open connection to a neighbor: a framed, bidirectional,
// unreliable byte transport. Each write and each received item is one
// complete wire.Encode-d frame.
type Link interface {
	// Write sends one encoded frame. Write does not block on the
	// remote side draining; an implementation backed by a bounded
	// queue may return an error if its queue is full rather than block
	// the caller indefinitely.
	Write(frame []byte) error

	// Reads returns the channel of received frames, closed on
	// disconnect.
	Reads() <-chan []byte

	// Disconnect closes the link. Idempotent.
	Disconnect() error
}
