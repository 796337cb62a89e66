package registry

import (
	"context"
	"testing"
	"time"

	"github.com/swarmit/testbed-controller/internal/protocol"
)

// fakeClock lets tests advance monotonic time deterministically without
// sleeping real wall-clock seconds.
type fakeClock struct{ now time.Time }

func (c *fakeClock) now_() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	r := New()
	fc := &fakeClock{now: time.Now()}
	r.clock = fc.now_
	return r, fc
}

func TestIngestStatusUpsertsAndSetsLastSeen(t *testing.T) {
	r, fc := newTestRegistry()
	r.IngestStatus(0x01, protocol.StatusPayload{DeviceType: 1, Status: byte(protocol.StatusBootloader), BatteryMV: 4000})

	snap, ok := r.Get(0x01)
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if snap.Status != protocol.StatusBootloader {
		t.Fatalf("status = %v, want Bootloader", snap.Status)
	}
	if !snap.LastSeen.Equal(fc.now) {
		t.Fatalf("LastSeen = %v, want %v", snap.LastSeen, fc.now)
	}
}

func TestKnownDevicesCanonicalSortOrder(t *testing.T) {
	r, _ := newTestRegistry()
	r.IngestStatus(0x02, protocol.StatusPayload{})
	r.IngestStatus(0x01, protocol.StatusPayload{})
	r.IngestStatus(0x10, protocol.StatusPayload{})

	got := r.KnownDevices()
	want := []uint32{0x01, 0x02, 0x10}
	if len(got) != len(want) {
		t.Fatalf("KnownDevices = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("KnownDevices = %v, want %v", got, want)
		}
	}
}

// TestStatusVisibilityScenario mirrors spec.md §8 scenario 1: two devices
// reporting STATUS; known_devices equals {A,B} and both are Bootloader.
// After A stops reporting, A ages out of known_devices once the sweep runs
// past INACTIVE_TIMEOUT, leaving only B.
func TestStatusVisibilityScenario(t *testing.T) {
	r, fc := newTestRegistry()
	const a, b = 0xAAAAAAAA, 0xBBBBBBBB

	r.IngestStatus(a, protocol.StatusPayload{Status: byte(protocol.StatusBootloader)})
	r.IngestStatus(b, protocol.StatusPayload{Status: byte(protocol.StatusBootloader)})

	known := r.KnownDevices()
	if len(known) != 2 || known[0] != a || known[1] != b {
		t.Fatalf("known devices = %v, want [%d %d]", known, a, b)
	}
	for _, addr := range known {
		snap, _ := r.Get(addr)
		if snap.Status != protocol.StatusBootloader {
			t.Fatalf("device %08X status = %v, want Bootloader", addr, snap.Status)
		}
	}

	// A stops reporting; B keeps reporting so its LastSeen stays fresh.
	fc.advance(InactiveTimeout + time.Millisecond)
	r.IngestStatus(b, protocol.StatusPayload{Status: byte(protocol.StatusBootloader)})
	r.sweep()

	known = r.KnownDevices()
	if len(known) != 1 || known[0] != b {
		t.Fatalf("known devices after A ages out = %v, want [%d]", known, b)
	}
}

func TestDerivedViewsFilterByStatus(t *testing.T) {
	r, _ := newTestRegistry()
	r.IngestStatus(1, protocol.StatusPayload{Status: byte(protocol.StatusBootloader)})
	r.IngestStatus(2, protocol.StatusPayload{Status: byte(protocol.StatusRunning)})
	r.IngestStatus(3, protocol.StatusPayload{Status: byte(protocol.StatusResetting)})

	if got := r.ReadyDevices(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("ReadyDevices = %v, want [1]", got)
	}
	if got := r.RunningDevices(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("RunningDevices = %v, want [2]", got)
	}
	if got := r.ResettingDevices(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("ResettingDevices = %v, want [3]", got)
	}
}

func TestEventLogDoesNotMutateStatus(t *testing.T) {
	r, fc := newTestRegistry()
	r.IngestStatus(1, protocol.StatusPayload{Status: byte(protocol.StatusRunning)})
	fc.advance(time.Millisecond)
	r.IngestEventLog(1, protocol.EventLogPayload{Timestamp: 1, Data: []byte("hi")})

	snap, _ := r.Get(1)
	if snap.Status != protocol.StatusRunning {
		t.Fatalf("status mutated by EVENT_LOG: got %v", snap.Status)
	}
	if !snap.LastSeen.Equal(fc.now) {
		t.Fatalf("LastSeen not updated by EVENT_LOG")
	}

	select {
	case ev := <-r.Events():
		if ev.Text != "hi" {
			t.Fatalf("event text = %q, want %q", ev.Text, "hi")
		}
	default:
		t.Fatal("expected an event to be forwarded to the monitor channel")
	}
}

func TestEventLogOnUnknownDeviceIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	r.IngestEventLog(99, protocol.EventLogPayload{Timestamp: 1, Data: []byte("ghost")})
	if _, ok := r.Get(99); ok {
		t.Fatal("EVENT_LOG from an unknown address must not create a snapshot")
	}
}

func TestSweepRemovesOnlyStaleEntries(t *testing.T) {
	r, fc := newTestRegistry()
	r.IngestStatus(1, protocol.StatusPayload{})
	fc.advance(InactiveTimeout / 2)
	r.IngestStatus(2, protocol.StatusPayload{}) // refreshed later, stays alive
	fc.advance(InactiveTimeout/2 + time.Millisecond)
	r.sweep()

	if _, ok := r.Get(1); ok {
		t.Fatal("device 1 should have aged out")
	}
	if _, ok := r.Get(2); !ok {
		t.Fatal("device 2 should still be alive")
	}
}

func TestStartSweepStopsCleanly(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	r.StartSweep(ctx)
	cancel()
	r.Stop()
}
