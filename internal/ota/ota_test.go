package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/swarmit/testbed-controller/internal/protocol"
	"github.com/swarmit/testbed-controller/internal/registry"
)

func newReadyRegistry(addrs ...uint32) *registry.Registry {
	r := registry.New()
	for _, a := range addrs {
		r.IngestStatus(a, protocol.StatusPayload{Status: byte(protocol.StatusBootloader)})
	}
	return r
}

func TestOTAHappyPathTwoDevices(t *testing.T) {
	const a, b = 0x01, 0x02
	reg := newReadyRegistry(a, b)

	firmware := bytes.Repeat([]byte{0x42}, 65536) // 512 chunks of 128 bytes
	if chunkCountFor(len(firmware)) != 512 {
		t.Fatalf("chunkCountFor = %d, want 512", chunkCountFor(len(firmware)))
	}

	eng := New(reg, nil, 50*time.Millisecond, 3)

	startSender := ackingStartSender{engine: eng, acked: map[uint32]bool{a: true, b: true}}
	eng.sender = &startSender
	res, err := eng.StartOTA(context.Background(), firmware, nil)
	if err != nil {
		t.Fatalf("StartOTA: %v", err)
	}
	if len(res.Missed) != 0 {
		t.Fatalf("missed = %v, want none", res.Missed)
	}
	if res.ChunkCount != 512 {
		t.Fatalf("ChunkCount = %d, want 512", res.ChunkCount)
	}
	if sha256.Sum256(firmware) != res.FWHash {
		t.Fatal("FWHash does not equal sha256(firmware)")
	}

	chunkSender := ackingChunkSender{engine: eng, devices: []uint32{a, b}}
	eng.sender = &chunkSender
	results, err := eng.Transfer(context.Background(), firmware, res.Acked)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	totalBytesA := 0
	for _, cr := range results[a].Chunks {
		totalBytesA += cr.Size
		if cr.Retries != 0 {
			t.Fatalf("chunk %d retries = %d, want 0 in happy path", cr.Index, cr.Retries)
		}
	}
	if !results[a].Success || !results[b].Success {
		t.Fatalf("expected both devices to succeed: %+v", results)
	}
	if totalBytesA != len(firmware) {
		t.Fatalf("total bytes received by A = %d, want %d", totalBytesA, len(firmware))
	}
}

// ackingStartSender ACKs OTA_START immediately for every device listed in
// acked, simulating instant device replies.
type ackingStartSender struct {
	engine *Engine
	acked  map[uint32]bool
}

func (s *ackingStartSender) SendPayload(destination uint32, _ protocol.PayloadType, payload []byte) error {
	if destination == protocol.BroadcastAddress {
		for addr, ok := range s.acked {
			if ok {
				s.engine.HandleOTAStartAck(addr)
			}
		}
		return nil
	}
	if s.acked[destination] {
		s.engine.HandleOTAStartAck(destination)
	}
	return nil
}

// ackingChunkSender ACKs every chunk broadcast for every tracked device
// immediately; it never drops an ACK.
type ackingChunkSender struct {
	engine  *Engine
	devices []uint32
}

func (s *ackingChunkSender) SendPayload(destination uint32, _ protocol.PayloadType, payload []byte) error {
	if destination != protocol.BroadcastAddress || len(payload) < 5 {
		return nil
	}
	index := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	for _, addr := range s.devices {
		s.engine.HandleOTAChunkAck(addr, index)
	}
	return nil
}

func TestOTASelectiveLossScenario(t *testing.T) {
	const a, b = 0x01, 0x02
	reg := newReadyRegistry(a, b)
	eng := New(reg, nil, 30*time.Millisecond, 3)

	firmware := make([]byte, ChunkSize*6)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	startSender := ackingStartSender{engine: eng, acked: map[uint32]bool{a: true, b: true}}
	eng.sender = &startSender
	res, err := eng.StartOTA(context.Background(), firmware, nil)
	if err != nil {
		t.Fatalf("StartOTA: %v", err)
	}

	chunkSender := &selectiveLossSender{
		engine: eng,
		devices: []uint32{a, b},
		dropTarget: map[uint32]int{a: 2, b: 4}, // A drops twice then acks; B drops 4 (never, since maxRetries+1=4 attempts)
	}
	eng.sender = chunkSender

	results, err := eng.Transfer(context.Background(), firmware, res.Acked)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if !results[a].Success {
		t.Fatalf("device A expected success, got %+v", results[a])
	}
	if results[b].Success {
		t.Fatalf("device B expected failure, got %+v", results[b])
	}

	// Find chunk index 5 (the one with selective loss) retries for both.
	var retriesA, retriesB int
	for _, cr := range results[a].Chunks {
		if cr.Index == 5 {
			retriesA = cr.Retries
		}
	}
	for _, cr := range results[b].Chunks {
		if cr.Index == 5 {
			retriesB = cr.Retries
		}
	}
	if retriesA != retriesB {
		t.Fatalf("broadcast retry counts diverged: A=%d B=%d, want equal", retriesA, retriesB)
	}
}

// selectiveLossSender drops ACKs for chunk index 5 a configurable number
// of times per device before acking (or never, if drops exceed budget).
type selectiveLossSender struct {
	engine     *Engine
	devices    []uint32
	dropTarget map[uint32]int // remaining drops for chunk 5, per device

	mu sync.Mutex
}

func (s *selectiveLossSender) SendPayload(destination uint32, _ protocol.PayloadType, payload []byte) error {
	if destination != protocol.BroadcastAddress || len(payload) < 5 {
		return nil
	}
	index := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range s.devices {
		if index == 5 {
			if s.dropTarget[addr] > 0 {
				s.dropTarget[addr]--
				continue // simulate a dropped ACK: do not notify
			}
		}
		s.engine.HandleOTAChunkAck(addr, index)
	}
	return nil
}

func TestOTAOutOfRangeAckIgnored(t *testing.T) {
	const a = 0x01
	reg := newReadyRegistry(a)
	eng := New(reg, nil, 30*time.Millisecond, 3)

	firmware := make([]byte, ChunkSize*2)
	startSender := ackingStartSender{engine: eng, acked: map[uint32]bool{a: true}}
	eng.sender = &startSender
	res, err := eng.StartOTA(context.Background(), firmware, nil)
	if err != nil {
		t.Fatalf("StartOTA: %v", err)
	}

	sender := &outOfRangeSender{engine: eng, device: a, wrongIndex: uint32(res.ChunkCount + 1)}
	eng.sender = sender
	results, err := eng.Transfer(context.Background(), firmware, res.Acked)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if results[a].Success {
		t.Fatalf("expected device to fail after spurious out-of-range ACKs, got %+v", results[a])
	}
}

// outOfRangeSender always acks with wrongIndex instead of the real chunk
// index, simulating a buggy device (spec §8 scenario 6).
type outOfRangeSender struct {
	engine     *Engine
	device     uint32
	wrongIndex uint32
}

func (s *outOfRangeSender) SendPayload(destination uint32, _ protocol.PayloadType, payload []byte) error {
	if destination != protocol.BroadcastAddress {
		return nil
	}
	s.engine.HandleOTAChunkAck(s.device, s.wrongIndex)
	return nil
}
