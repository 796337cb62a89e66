package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/swarmit/testbed-controller/internal/apperr"
)

// PayloadType identifies the shape of a Frame's payload. It lives in the
// frame header (Frame.Type), not in the payload bytes themselves — payload
// dispatch is keyed off the header the same way original_source's
// register_parser(PayloadType, ...) table is keyed off the mesh header's
// type field.
type PayloadType byte

const (
	PayloadStatus      PayloadType = 0x80
	PayloadStart       PayloadType = 0x81
	PayloadStop        PayloadType = 0x82
	PayloadReset       PayloadType = 0x83
	PayloadOTAStart    PayloadType = 0x84
	PayloadOTAChunk    PayloadType = 0x85
	PayloadOTAStartAck PayloadType = 0x86
	PayloadOTAChunkAck PayloadType = 0x87
	PayloadEventGPIO   PayloadType = 0x88
	PayloadEventLog    PayloadType = 0x89
	PayloadMessage     PayloadType = 0xA0
)

// maxVariableLen is the largest a variable-length field may be; its count
// prefix is a single byte.
const maxVariableLen = 255

// StatusPayload mirrors a device's self-reported STATUS frame.
type StatusPayload struct {
	DeviceType byte // DeviceType enum value
	Status     byte // StatusType enum value
	BatteryMV  uint16
	PosX       int32
	PosY       int32
}

func (p StatusPayload) Encode() []byte {
	buf := make([]byte, 1+1+2+4+4)
	buf[0] = p.DeviceType
	buf[1] = p.Status
	binary.LittleEndian.PutUint16(buf[2:4], p.BatteryMV)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.PosX))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.PosY))
	return buf
}

func DecodeStatusPayload(body []byte) (StatusPayload, error) {
	const want = 1 + 1 + 2 + 4 + 4
	if len(body) < want {
		return StatusPayload{}, protoErr("STATUS", len(body), want)
	}
	return StatusPayload{
		DeviceType: body[0],
		Status:     body[1],
		BatteryMV:  binary.LittleEndian.Uint16(body[2:4]),
		PosX:       int32(binary.LittleEndian.Uint32(body[4:8])),
		PosY:       int32(binary.LittleEndian.Uint32(body[8:12])),
	}, nil
}

// StartPayload, StopPayload, OTAStartAckPayload carry no fields.
type StartPayload struct{}

func (StartPayload) Encode() []byte { return nil }

type StopPayload struct{}

func (StopPayload) Encode() []byte { return nil }

type OTAStartAckPayload struct{}

func (OTAStartAckPayload) Encode() []byte { return nil }

// ResetPayload carries the coordinates a device should reset to.
type ResetPayload struct {
	PosX int32
	PosY int32
}

func (p ResetPayload) Encode() []byte {
	buf := make([]byte, 4+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.PosX))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.PosY))
	return buf
}

func DecodeResetPayload(body []byte) (ResetPayload, error) {
	const want = 4 + 4
	if len(body) < want {
		return ResetPayload{}, protoErr("RESET", len(body), want)
	}
	return ResetPayload{
		PosX: int32(binary.LittleEndian.Uint32(body[0:4])),
		PosY: int32(binary.LittleEndian.Uint32(body[4:8])),
	}, nil
}

// OTAStartPayload announces an upcoming firmware transfer.
type OTAStartPayload struct {
	FirmwareLength uint32
	ChunkCount     uint32
}

func (p OTAStartPayload) Encode() []byte {
	buf := make([]byte, 4+4)
	binary.LittleEndian.PutUint32(buf[0:4], p.FirmwareLength)
	binary.LittleEndian.PutUint32(buf[4:8], p.ChunkCount)
	return buf
}

func DecodeOTAStartPayload(body []byte) (OTAStartPayload, error) {
	const want = 4 + 4
	if len(body) < want {
		return OTAStartPayload{}, protoErr("OTA_START", len(body), want)
	}
	return OTAStartPayload{
		FirmwareLength: binary.LittleEndian.Uint32(body[0:4]),
		ChunkCount:     binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

// OTAChunkPayload carries one firmware chunk. Sha is the first 8 bytes of
// sha256(Chunk); it is a device-side integrity check and is never
// re-verified by the controller (see DESIGN.md / spec §4.5.3).
type OTAChunkPayload struct {
	Index uint32
	Sha   [8]byte
	Chunk []byte
}

func (p OTAChunkPayload) Encode() ([]byte, error) {
	if len(p.Chunk) > maxVariableLen {
		return nil, apperr.Invalid("protocol.OTAChunkPayload.Encode",
			"chunk length %d exceeds %d bytes", len(p.Chunk), maxVariableLen)
	}
	buf := make([]byte, 4+1+8+len(p.Chunk))
	binary.LittleEndian.PutUint32(buf[0:4], p.Index)
	buf[4] = byte(len(p.Chunk))
	copy(buf[5:13], p.Sha[:])
	copy(buf[13:], p.Chunk)
	return buf, nil
}

func DecodeOTAChunkPayload(body []byte) (OTAChunkPayload, error) {
	const headerLen = 4 + 1 + 8
	if len(body) < headerLen {
		return OTAChunkPayload{}, protoErr("OTA_CHUNK", len(body), headerLen)
	}
	count := int(body[4])
	if len(body) < headerLen+count {
		return OTAChunkPayload{}, protoErr("OTA_CHUNK", len(body), headerLen+count)
	}
	p := OTAChunkPayload{
		Index: binary.LittleEndian.Uint32(body[0:4]),
		Chunk: append([]byte(nil), body[headerLen:headerLen+count]...),
	}
	copy(p.Sha[:], body[5:13])
	return p, nil
}

// OTAChunkAckPayload acknowledges receipt of a firmware chunk.
type OTAChunkAckPayload struct {
	Index uint32
}

func (p OTAChunkAckPayload) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], p.Index)
	return buf
}

func DecodeOTAChunkAckPayload(body []byte) (OTAChunkAckPayload, error) {
	const want = 4
	if len(body) < want {
		return OTAChunkAckPayload{}, protoErr("OTA_CHUNK_ACK", len(body), want)
	}
	return OTAChunkAckPayload{Index: binary.LittleEndian.Uint32(body[0:4])}, nil
}

// EventGPIOPayload reports a GPIO edge observed by a device. Supplemented
// from original_source/swarmit/testbed/protocol.py's SWARMIT_EVENT_GPIO,
// dropped from the distilled spec's §4.1 table.
type EventGPIOPayload struct {
	Timestamp uint32
	Pin       byte
	Level     byte
}

func (p EventGPIOPayload) Encode() []byte {
	buf := make([]byte, 4+1+1)
	binary.LittleEndian.PutUint32(buf[0:4], p.Timestamp)
	buf[4] = p.Pin
	buf[5] = p.Level
	return buf
}

func DecodeEventGPIOPayload(body []byte) (EventGPIOPayload, error) {
	const want = 4 + 1 + 1
	if len(body) < want {
		return EventGPIOPayload{}, protoErr("EVENT_GPIO", len(body), want)
	}
	return EventGPIOPayload{
		Timestamp: binary.LittleEndian.Uint32(body[0:4]),
		Pin:       body[4],
		Level:     body[5],
	}, nil
}

// EventLogPayload carries a free-text log line emitted by a device.
type EventLogPayload struct {
	Timestamp uint32
	Data      []byte
}

func (p EventLogPayload) Encode() ([]byte, error) {
	if len(p.Data) > maxVariableLen {
		return nil, apperr.Invalid("protocol.EventLogPayload.Encode",
			"data length %d exceeds %d bytes", len(p.Data), maxVariableLen)
	}
	buf := make([]byte, 4+1+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], p.Timestamp)
	buf[4] = byte(len(p.Data))
	copy(buf[5:], p.Data)
	return buf, nil
}

func DecodeEventLogPayload(body []byte) (EventLogPayload, error) {
	const headerLen = 4 + 1
	if len(body) < headerLen {
		return EventLogPayload{}, protoErr("EVENT_LOG", len(body), headerLen)
	}
	count := int(body[4])
	if len(body) < headerLen+count {
		return EventLogPayload{}, protoErr("EVENT_LOG", len(body), headerLen+count)
	}
	return EventLogPayload{
		Timestamp: binary.LittleEndian.Uint32(body[0:4]),
		Data:      append([]byte(nil), body[headerLen:headerLen+count]...),
	}, nil
}

// MessagePayload carries an operator-sent free-text message.
type MessagePayload struct {
	Text []byte
}

func (p MessagePayload) Encode() ([]byte, error) {
	if len(p.Text) > maxVariableLen {
		return nil, apperr.Invalid("protocol.MessagePayload.Encode",
			"message length %d exceeds %d bytes", len(p.Text), maxVariableLen)
	}
	buf := make([]byte, 1+len(p.Text))
	buf[0] = byte(len(p.Text))
	copy(buf[1:], p.Text)
	return buf, nil
}

func DecodeMessagePayload(body []byte) (MessagePayload, error) {
	const headerLen = 1
	if len(body) < headerLen {
		return MessagePayload{}, protoErr("MESSAGE", len(body), headerLen)
	}
	count := int(body[0])
	if len(body) < headerLen+count {
		return MessagePayload{}, protoErr("MESSAGE", len(body), headerLen+count)
	}
	return MessagePayload{Text: append([]byte(nil), body[headerLen:headerLen+count]...)}, nil
}

func protoErr(name string, got, want int) error {
	return apperr.New(apperr.KindProtocol, "protocol.Decode"+name,
		fmt.Errorf("%d bytes remaining, need at least %d", got, want))
}
