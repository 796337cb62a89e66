// Package protocol implements the wire codec for the swarm testbed mesh: a
// fixed frame header carrying the payload type, followed by an untagged
// payload whose shape is determined entirely by the header (mirroring
// original_source's register_parser(PayloadType, ...) dispatch table). All
// integers are little-endian, matching the device firmware's layout.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/swarmit/testbed-controller/internal/apperr"
)

// BroadcastAddress is the reserved destination meaning "every device in
// the mesh".
const BroadcastAddress uint32 = 0xFFFFFFFF

// HeaderSize is the encoded size of a Frame header in bytes.
const HeaderSize = 9 // destination(4) + source(4) + type(1)

// Frame is the wire envelope: a header naming the payload's Type plus the
// untagged payload bytes themselves.
type Frame struct {
	Destination uint32
	Source      uint32
	Type        PayloadType
	Payload     []byte
}

// Encode serialises the frame header and payload into a single buffer.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], f.Destination)
	binary.LittleEndian.PutUint32(buf[4:8], f.Source)
	buf[8] = byte(f.Type)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses a header-prefixed buffer into a Frame. The payload
// slice aliases the input buffer; callers that retain it past the
// adapter's callback should copy it.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, apperr.New(apperr.KindProtocol, "protocol.DecodeFrame",
			fmt.Errorf("buffer too short: %d bytes, need at least %d", len(buf), HeaderSize))
	}
	f := Frame{
		Destination: binary.LittleEndian.Uint32(buf[0:4]),
		Source:      binary.LittleEndian.Uint32(buf[4:8]),
		Type:        PayloadType(buf[8]),
		Payload:     buf[HeaderSize:],
	}
	return f, nil
}
