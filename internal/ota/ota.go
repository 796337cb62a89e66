// Package ota implements the OTA firmware transfer engine (C5): session
// negotiation (StartOTA) and chunked streaming with per-device/per-chunk
// retry accounting over a broadcast medium (Transfer). Grounded in the
// teacher's internal/ota/manager.go state-enum and ticker-driven-loop
// idiom, restructured for the broadcast-coupled retry model spec.md §4.5
// and §9 call for.
package ota

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/swarmit/testbed-controller/internal/apperr"
	"github.com/swarmit/testbed-controller/internal/protocol"
	"github.com/swarmit/testbed-controller/internal/registry"
)

// Constants per spec §4.5.1.
const (
	ChunkSize            = 128
	AckTimeoutDefault    = 200 * time.Millisecond
	MaxRetriesDefault    = 3
	StartOTARetries      = 3
)

// DeviceState is the per-device OTA state machine (spec §4.5.4).
type DeviceState int

const (
	StateNotContacted DeviceState = iota
	StateWaitStartAck
	StateProgramming
	StateSucceeded
	StateFailed
)

// ChunkResult records one chunk's outcome for one device. Retries is a
// per-chunk, per-broadcast-round count: because chunks are broadcast, it
// is identical across every device targeted by that chunk (spec §4.5.3
// point 5 / §9 "broadcast accounting quirk").
type ChunkResult struct {
	Index   int
	Size    int
	Acked   bool
	Retries int
}

// TransferResult is Transfer's per-device outcome.
type TransferResult struct {
	Success bool
	Chunks  []ChunkResult
}

// StartOTAResult is StartOTA's return value.
type StartOTAResult struct {
	Acked      []uint32
	Missed     []uint32
	FWHash     [32]byte
	ChunkCount int
}

// Sender is the subset of the gateway adapter the OTA engine needs.
type Sender interface {
	SendPayload(destination uint32, payloadType protocol.PayloadType, payload []byte) error
}

// Engine runs OTA sessions against a Registry through a Sender.
type Engine struct {
	reg        *registry.Registry
	sender     Sender
	ackTimeout time.Duration
	maxRetries int

	mu      sync.Mutex
	active  *session
	states  map[uint32]DeviceState
}

// New builds an Engine. ackTimeout/maxRetries of zero select the spec
// defaults (ota_timeout / ota_max_retries config overrides, §6.3).
func New(reg *registry.Registry, sender Sender, ackTimeout time.Duration, maxRetries int) *Engine {
	if ackTimeout <= 0 {
		ackTimeout = AckTimeoutDefault
	}
	if maxRetries <= 0 {
		maxRetries = MaxRetriesDefault
	}
	return &Engine{reg: reg, sender: sender, ackTimeout: ackTimeout, maxRetries: maxRetries, states: make(map[uint32]DeviceState)}
}

// HandleOTAStartAck routes an inbound OTA_START_ACK frame to the active
// session, if any (spec §4.3: these frames are not registry updates).
func (e *Engine) HandleOTAStartAck(addr uint32) {
	e.mu.Lock()
	sess := e.active
	e.mu.Unlock()
	if sess != nil {
		sess.notifyStartAck(addr)
	}
}

// HandleOTAChunkAck routes an inbound OTA_CHUNK_ACK frame to the active
// session, if any.
func (e *Engine) HandleOTAChunkAck(addr uint32, index uint32) {
	e.mu.Lock()
	sess := e.active
	e.mu.Unlock()
	if sess != nil {
		sess.notifyChunkAck(addr, int(index))
	}
}

// StartOTA negotiates an OTA session: determine the target set, announce
// OTA_START, and collect OTA_START_ACK frames (spec §4.5.2).
//
// Per the Open Question resolution in DESIGN.md, a non-empty Missed set is
// not itself an error: the caller decides whether to treat partial ACK
// coverage as an overall failure.
func (e *Engine) StartOTA(ctx context.Context, firmware []byte, devices []uint32) (StartOTAResult, error) {
	if len(firmware) == 0 {
		return StartOTAResult{}, apperr.Invalid("ota.StartOTA", "firmware must not be empty")
	}

	chunkCount := chunkCountFor(len(firmware))
	hash := sha256.Sum256(firmware)

	ready := e.reg.ReadyDevices()
	target := intersectOrAll(devices, ready)
	broadcastEligible := len(target) == len(ready) && len(ready) > 0

	sess := newSession(firmware, ChunkSize, chunkCount, hash)
	e.mu.Lock()
	e.active = sess
	e.mu.Unlock()

	e.mu.Lock()
	for _, addr := range target {
		e.states[addr] = StateWaitStartAck
	}
	e.mu.Unlock()

	pending := toSet(target)
	for attempt := 0; attempt < StartOTARetries && len(pending) > 0; attempt++ {
		sess.armStartAck(pending)

		payload := protocol.OTAStartPayload{FirmwareLength: uint32(len(firmware)), ChunkCount: uint32(chunkCount)}.Encode()
		if attempt == 0 && broadcastEligible {
			if err := e.sender.SendPayload(protocol.BroadcastAddress, protocol.PayloadOTAStart, payload); err != nil {
				return StartOTAResult{}, apperr.New(apperr.KindTransport, "ota.StartOTA", err)
			}
		} else {
			for addr := range pending {
				if err := e.sender.SendPayload(addr, protocol.PayloadOTAStart, payload); err != nil {
					return StartOTAResult{}, apperr.New(apperr.KindTransport, "ota.StartOTA", err)
				}
			}
		}

		acked := sess.waitStartAcks(pending, e.ackTimeout)
		for addr := range acked {
			delete(pending, addr)
		}
	}

	acked := make([]uint32, 0, len(target))
	for _, addr := range target {
		if _, missed := pending[addr]; !missed {
			acked = append(acked, addr)
		}
	}
	missed := sortedAddresses(pending)

	e.mu.Lock()
	for _, addr := range acked {
		e.states[addr] = StateProgramming
	}
	e.mu.Unlock()

	return StartOTAResult{Acked: acked, Missed: missed, FWHash: hash, ChunkCount: chunkCount}, nil
}

// DeviceState reports the OTA state machine position for addr within the
// most recent session, if any (spec §4.5.4).
func (e *Engine) DeviceState(addr uint32) DeviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[addr]
}

// Transfer streams firmware chunk by chunk to ackedDevices, tolerating up
// to maxRetries misses per chunk (spec §4.5.3). The session created by
// StartOTA is destroyed when Transfer returns.
func (e *Engine) Transfer(ctx context.Context, firmware []byte, ackedDevices []uint32) (map[uint32]TransferResult, error) {
	if len(firmware) == 0 {
		return nil, apperr.Invalid("ota.Transfer", "firmware must not be empty")
	}

	e.mu.Lock()
	sess := e.active
	e.mu.Unlock()
	if sess == nil {
		sess = newSession(firmware, ChunkSize, chunkCountFor(len(firmware)), sha256.Sum256(firmware))
	}

	results := make(map[uint32]*TransferResult, len(ackedDevices))
	remaining := make(map[uint32]struct{}, len(ackedDevices))
	for _, addr := range ackedDevices {
		results[addr] = &TransferResult{Success: false}
		remaining[addr] = struct{}{}
	}

	for i := 0; i < sess.chunkCount && len(remaining) > 0; i++ {
		chunk := firmware[i*ChunkSize : minInt((i+1)*ChunkSize, len(firmware))]
		fullSha := sha256.Sum256(chunk)
		var sha8 [8]byte
		copy(sha8[:], fullSha[:8])

		payload, err := protocol.OTAChunkPayload{Index: uint32(i), Sha: sha8, Chunk: chunk}.Encode()
		if err != nil {
			return nil, err
		}

		targets := cloneSet(remaining)
		acked, retryCount := e.streamChunk(sess, i, targets, payload)

		for addr := range targets {
			results[addr].Chunks = append(results[addr].Chunks, ChunkResult{
				Index: i, Size: len(chunk), Acked: acked[addr], Retries: retryCount,
			})
			if !acked[addr] {
				delete(remaining, addr)
			}
		}
	}

	e.mu.Lock()
	for addr, res := range results {
		_, survived := remaining[addr]
		res.Success = survived
		if survived {
			e.states[addr] = StateSucceeded
		} else {
			e.states[addr] = StateFailed
		}
	}
	e.mu.Unlock()

	out := make(map[uint32]TransferResult, len(results))
	for addr, res := range results {
		out[addr] = *res
	}

	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()

	return out, nil
}

// streamChunk broadcasts one chunk repeatedly until every target in
// targets has ACKed or the retry budget is exhausted, returning which
// targets acked and the number of retransmissions performed (the same
// number recorded for every device, per the broadcast accounting quirk).
func (e *Engine) streamChunk(sess *session, index int, targets map[uint32]struct{}, payload []byte) (map[uint32]bool, int) {
	acked := make(map[uint32]bool, len(targets))
	pending := cloneSet(targets)

	retryCount := 0
	for attempt := 0; attempt <= e.maxRetries && len(pending) > 0; attempt++ {
		sess.armChunkAck(index, pending)
		_ = e.sender.SendPayload(protocol.BroadcastAddress, protocol.PayloadOTAChunk, payload) // always broadcast, spec §4.5.3 point 3a

		gotAck := sess.waitChunkAcks(pending, e.ackTimeout)
		for addr := range gotAck {
			acked[addr] = true
			delete(pending, addr)
		}
		if len(pending) > 0 {
			retryCount = attempt + 1
		}
	}
	if retryCount > e.maxRetries {
		retryCount = e.maxRetries
	}
	return acked, retryCount
}

func chunkCountFor(length int) int {
	return (length + ChunkSize - 1) / ChunkSize
}

func intersectOrAll(devices, all []uint32) []uint32 {
	if len(devices) == 0 {
		return append([]uint32(nil), all...)
	}
	allSet := toSet(all)
	out := make([]uint32, 0, len(devices))
	for _, a := range devices {
		if _, ok := allSet[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

func toSet(addrs []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

func cloneSet(set map[uint32]struct{}) map[uint32]struct{} {
	out := make(map[uint32]struct{}, len(set))
	for a := range set {
		out[a] = struct{}{}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
