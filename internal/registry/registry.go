// Package registry maintains the authoritative, per-device state snapshot
// ingested from asynchronous STATUS/EVENT_LOG/EVENT_GPIO frames, ageing out
// stale devices on a periodic sweep. It mirrors the teacher's
// internal/engine/engine.go registeredDevices map + sync.RWMutex pattern
// and its ticker-driven background-loop idiom.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmit/testbed-controller/internal/protocol"
)

// InactiveTimeout is the default window after which a device that has not
// been heard from is removed (spec §4.3).
const InactiveTimeout = 3 * time.Second

// SweepInterval is how often the background sweep runs; must be at most
// InactiveTimeout/2 per spec §4.3 and the "sweep at least twice per
// timeout window" design note (§9).
const SweepInterval = InactiveTimeout / 2

// Snapshot is a point-in-time view of a device's reported attributes.
type Snapshot struct {
	Address    uint32
	DeviceType protocol.DeviceType
	Status     protocol.StatusType
	BatteryMV  uint16
	PosX, PosY int32
	LastSeen   time.Time
}

// EventRecord is an EVENT_LOG or EVENT_GPIO frame forwarded to any attached
// monitor. Exactly one of Text or (Pin valid) is populated.
type EventRecord struct {
	Address   uint32
	Timestamp uint32
	Text      string
	IsGPIO    bool
	Pin       byte
	Level     byte
}

// Registry is a concurrency-safe map[address]Snapshot with a single-writer,
// many-reader discipline: only Ingress mutates state; derived views are
// computed on demand and must not be cached across concurrent ingestion
// (spec §4.3).
type Registry struct {
	mu      sync.RWMutex
	devices map[uint32]Snapshot
	clock   func() time.Time

	eventsMu sync.Mutex
	events   chan EventRecord

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an empty Registry. The returned Registry is not yet sweeping
// in the background; call StartSweep to begin liveness ageing.
func New() *Registry {
	return &Registry{
		devices:  make(map[uint32]Snapshot),
		clock:    time.Now,
		events:   make(chan EventRecord, 256),
		stopChan: make(chan struct{}),
	}
}

// StartSweep launches the background liveness-ageing goroutine. It returns
// immediately; call Stop (or cancel ctx) to terminate it.
func (r *Registry) StartSweep(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.clock()
	r.mu.Lock()
	for addr, snap := range r.devices {
		if now.Sub(snap.LastSeen) > InactiveTimeout {
			delete(r.devices, addr)
		}
	}
	r.mu.Unlock()
}

// Stop terminates the sweep goroutine and closes the event channel. Safe
// to call multiple times. Closing under eventsMu keeps it from racing a
// concurrent publish() still sending on r.events.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.eventsMu.Lock()
		close(r.events)
		r.eventsMu.Unlock()
	})
}

// Events returns the channel EVENT_LOG/EVENT_GPIO frames are forwarded on.
// A Monitor (C7) consumes this channel.
func (r *Registry) Events() <-chan EventRecord {
	return r.events
}

// IngestStatus applies a STATUS frame from addr: upsert the snapshot,
// update every field, and set LastSeen to now (spec §4.3).
func (r *Registry) IngestStatus(addr uint32, p protocol.StatusPayload) {
	now := r.clock()
	r.mu.Lock()
	r.devices[addr] = Snapshot{
		Address:    addr,
		DeviceType: protocol.DeviceType(p.DeviceType),
		Status:     protocol.StatusType(p.Status),
		BatteryMV:  p.BatteryMV,
		PosX:       p.PosX,
		PosY:       p.PosY,
		LastSeen:   now,
	}
	r.mu.Unlock()
}

// touchLastSeen bumps LastSeen for addr without touching any other field.
// If addr is not yet known, this is a no-op: an EVENT frame alone does not
// create a snapshot (only STATUS/join does, per spec §3).
func (r *Registry) touchLastSeen(addr uint32) {
	now := r.clock()
	r.mu.Lock()
	if snap, ok := r.devices[addr]; ok {
		snap.LastSeen = now
		r.devices[addr] = snap
	}
	r.mu.Unlock()
}

// IngestEventLog applies an EVENT_LOG frame: bump LastSeen, forward to the
// Monitor. Status is left untouched (spec §4.3).
func (r *Registry) IngestEventLog(addr uint32, p protocol.EventLogPayload) {
	r.touchLastSeen(addr)
	r.publish(EventRecord{Address: addr, Timestamp: p.Timestamp, Text: decodeUTF8Lenient(p.Data)})
}

// IngestEventGPIO applies an EVENT_GPIO frame the same way IngestEventLog
// does, with the GPIO-specific record shape (spec_full §3 supplement).
func (r *Registry) IngestEventGPIO(addr uint32, p protocol.EventGPIOPayload) {
	r.touchLastSeen(addr)
	r.publish(EventRecord{Address: addr, Timestamp: p.Timestamp, IsGPIO: true, Pin: p.Pin, Level: p.Level})
}

func (r *Registry) publish(ev EventRecord) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	select {
	case r.events <- ev:
	default:
		// Monitor is not keeping up; drop rather than block ingress.
	}
}

// Get returns a copy of the snapshot for addr, if known.
func (r *Registry) Get(addr uint32) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.devices[addr]
	return snap, ok
}

// Remove deletes addr's snapshot unconditionally (an explicit leave event).
func (r *Registry) Remove(addr uint32) {
	r.mu.Lock()
	delete(r.devices, addr)
	r.mu.Unlock()
}

// KnownDevices returns every tracked address in canonical-hex sort order.
func (r *Registry) KnownDevices() []uint32 {
	return r.filterSorted(func(Snapshot) bool { return true })
}

// ReadyDevices returns addresses whose status is Bootloader.
func (r *Registry) ReadyDevices() []uint32 {
	return r.filterSorted(func(s Snapshot) bool { return s.Status == protocol.StatusBootloader })
}

// RunningDevices returns addresses whose status is Running.
func (r *Registry) RunningDevices() []uint32 {
	return r.filterSorted(func(s Snapshot) bool { return s.Status == protocol.StatusRunning })
}

// ResettingDevices returns addresses whose status is Resetting.
func (r *Registry) ResettingDevices() []uint32 {
	return r.filterSorted(func(s Snapshot) bool { return s.Status == protocol.StatusResetting })
}

// Snapshots returns a copy of every tracked snapshot in canonical-hex sort
// order, used by the controller façade's status() table dump.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.devices))
	for _, snap := range r.devices {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) filterSorted(match func(Snapshot) bool) []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint32, 0, len(r.devices))
	for addr, snap := range r.devices {
		if match(snap) {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// decodeUTF8Lenient decodes b as UTF-8, substituting the replacement
// character for invalid byte sequences, per spec §4.7.
func decodeUTF8Lenient(b []byte) string {
	return string([]rune(string(b)))
}
