// Package adapter defines the gateway adapter contract (C2): the
// controller's only window onto the mesh transport. Concrete transports
// (internal/adapter/edge, internal/adapter/cloud) are themselves out of
// scope per spec.md's Non-goals — only this contract is specified — but
// two are provided here: edge talks over ZeroMQ IPC to a separate gateway
// daemon that owns the radio hardware, and cloud talks to an MQTT broker.
// Neither adapter touches hardware itself.
package adapter

import "github.com/swarmit/testbed-controller/internal/protocol"

// FrameHandler is invoked once per inbound decoded Frame, on the adapter's
// own background goroutine (spec §4.2).
type FrameHandler func(frame protocol.Frame)

// Adapter is the transport abstraction the controller façade drives.
// Implementations must make SendPayload safe to call concurrently with
// their own ingress goroutine (spec §5 "Adapter send method").
type Adapter interface {
	// Init registers onFrame and starts the adapter's background ingress.
	Init(onFrame FrameHandler) error
	// Close releases the transport. No further callbacks fire after it
	// returns. Idempotent.
	Close() error
	// SendPayload is a synchronous best-effort send; TransportError on
	// failure is a soft failure the caller may retry. payloadType becomes
	// the wire frame's header Type field (spec §3: payload dispatch is
	// keyed off the header, not a tag byte in payload).
	SendPayload(destination uint32, payloadType protocol.PayloadType, payload []byte) error
}
