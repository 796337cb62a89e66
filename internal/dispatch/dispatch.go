// Package dispatch implements the command dispatcher (C4): start/stop/
// reset/send_message with retry+timeout semantics verified against the
// registry, following the retry-loop idiom of the teacher's
// internal/engine/engine.go commandRetryLoop.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmit/testbed-controller/internal/apperr"
	"github.com/swarmit/testbed-controller/internal/protocol"
	"github.com/swarmit/testbed-controller/internal/registry"
)

// Defaults per spec §4.4 / §4.5.1.
const (
	MaxAttempts   = 3
	AttemptDelay  = 200 * time.Millisecond
	CommandTimeout = 1 * time.Second
)

// Sender is the subset of the gateway adapter the dispatcher needs.
type Sender interface {
	SendPayload(destination uint32, payloadType protocol.PayloadType, payload []byte) error
}

// Dispatcher issues start/stop/reset/send_message against a Registry
// through a Sender, with the retry/verification algorithm of spec §4.4.
type Dispatcher struct {
	reg    *registry.Registry
	sender Sender
}

// New builds a Dispatcher bound to reg and sender.
func New(reg *registry.Registry, sender Sender) *Dispatcher {
	return &Dispatcher{reg: reg, sender: sender}
}

// Result reports which targets failed to transition by the deadline. Empty
// means every target succeeded.
type Result struct {
	Unresolved []uint32
}

func (r Result) OK() bool { return len(r.Unresolved) == 0 }

// Start issues the START command. If devices is nil, every Bootloader
// device is targeted. Returns the subset (if any) that did not reach
// Running within timeout (spec §4.4 point 3).
func (d *Dispatcher) Start(ctx context.Context, devices []uint32, timeout time.Duration) (Result, error) {
	return d.runCommand(ctx, commandSpec{
		name:          "start",
		devices:       devices,
		precondition:  protocol.StatusBootloader,
		expectedAfter: protocol.StatusRunning,
		timeout:       timeout,
		payloadType:   protocol.PayloadStart,
		encode:        func() []byte { return protocol.StartPayload{}.Encode() },
	})
}

// Stop issues the STOP command, targeting Running or Resetting devices by
// default. Returns the subset that did not reach Bootloader within timeout.
func (d *Dispatcher) Stop(ctx context.Context, devices []uint32, timeout time.Duration) (Result, error) {
	return d.runCommand(ctx, commandSpec{
		name:          "stop",
		devices:       devices,
		precondition:  0, // matched specially: Running or Resetting, see matchStopPrecondition
		matchPrecond:  matchStopPrecondition,
		expectedAfter: protocol.StatusBootloader,
		timeout:       timeout,
		payloadType:   protocol.PayloadStop,
		encode:        func() []byte { return protocol.StopPayload{}.Encode() },
	})
}

func matchStopPrecondition(s protocol.StatusType) bool {
	return s == protocol.StatusRunning || s == protocol.StatusResetting
}

// Reset issues per-device RESET commands. The key set of locations must
// exactly equal the caller's configured device subset, or InvalidArgument
// is returned without sending anything (spec §4.4).
func (d *Dispatcher) Reset(ctx context.Context, locations map[uint32]ResetLocation, configured []uint32, timeout time.Duration) (Result, error) {
	if !sameAddressSet(locations, configured) {
		return Result{}, apperr.Invalid("dispatch.Reset", "locations key set does not match the configured device subset")
	}

	targets := make([]uint32, 0, len(locations))
	for addr := range locations {
		targets = append(targets, addr)
	}

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		g, gctx := errgroup.WithContext(ctx)
		for _, addr := range targets {
			addr := addr
			loc := locations[addr]
			g.Go(func() error {
				_ = gctx
				payload := protocol.ResetPayload{PosX: loc.PosX, PosY: loc.PosY}.Encode()
				return sendWithTransportRetry(d.sender, addr, protocol.PayloadReset, payload)
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, apperr.New(apperr.KindTransport, "dispatch.Reset", err)
		}

		if waitForStatus(ctx, d.reg, targets, protocol.StatusResetting, CommandTimeout) {
			return Result{}, nil
		}
		time.Sleep(AttemptDelay)
	}

	unresolved := filterNotInStatus(d.reg, targets, protocol.StatusResetting)
	return Result{Unresolved: unresolved}, nil
}

// ResetLocation is the {pos_x, pos_y} a device should reset to.
type ResetLocation struct {
	PosX, PosY int32
}

func sameAddressSet(locations map[uint32]ResetLocation, configured []uint32) bool {
	if len(locations) != len(configured) {
		return false
	}
	for _, addr := range configured {
		if _, ok := locations[addr]; !ok {
			return false
		}
	}
	return true
}

// SendMessage fire-and-forgets a MESSAGE payload to Running devices (or
// the given subset). No retry, no post-condition check (spec §4.4).
func (d *Dispatcher) SendMessage(text string, devices []uint32) error {
	if len([]byte(text)) > 255 {
		return apperr.Invalid("dispatch.SendMessage", "text length %d exceeds 255 bytes", len([]byte(text)))
	}
	payload, err := protocol.MessagePayload{Text: []byte(text)}.Encode()
	if err != nil {
		return err
	}

	running := d.reg.RunningDevices()
	targets := devices
	if len(targets) == 0 {
		targets = running
	}

	if len(devices) == 0 || sameSet(targets, running) {
		return d.sender.SendPayload(protocol.BroadcastAddress, protocol.PayloadMessage, payload)
	}
	for _, addr := range targets {
		if err := d.sender.SendPayload(addr, protocol.PayloadMessage, payload); err != nil {
			return apperr.New(apperr.KindTransport, "dispatch.SendMessage", err)
		}
	}
	return nil
}

type commandSpec struct {
	name          string
	devices       []uint32
	precondition  protocol.StatusType
	matchPrecond  func(protocol.StatusType) bool
	expectedAfter protocol.StatusType
	timeout       time.Duration
	payloadType   protocol.PayloadType
	encode        func() []byte
}

func (d *Dispatcher) runCommand(ctx context.Context, spec commandSpec) (Result, error) {
	match := spec.matchPrecond
	if match == nil {
		want := spec.precondition
		match = func(s protocol.StatusType) bool { return s == want }
	}

	targets := selectTargets(d.reg, spec.devices, match)
	if len(targets) == 0 {
		return Result{}, nil
	}

	allEligible := d.reg.KnownDevices()
	eligibleCount := 0
	for _, addr := range allEligible {
		snap, _ := d.reg.Get(addr)
		if match(snap.Status) {
			eligibleCount++
		}
	}
	broadcast := len(targets) == eligibleCount

	timeout := spec.timeout
	if timeout <= 0 {
		timeout = CommandTimeout
	}

	payload := spec.encode()
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := d.send(ctx, spec.payloadType, payload, targets, broadcast); err != nil {
			return Result{}, err
		}
		if waitForStatus(ctx, d.reg, targets, spec.expectedAfter, timeout) {
			return Result{}, nil
		}
		time.Sleep(AttemptDelay)
	}

	return Result{Unresolved: filterNotInStatus(d.reg, targets, spec.expectedAfter)}, nil
}

func (d *Dispatcher) send(ctx context.Context, payloadType protocol.PayloadType, payload []byte, targets []uint32, broadcast bool) error {
	if broadcast {
		return sendWithTransportRetry(d.sender, protocol.BroadcastAddress, payloadType, payload)
	}
	g, _ := errgroup.WithContext(ctx)
	for _, addr := range targets {
		addr := addr
		g.Go(func() error { return sendWithTransportRetry(d.sender, addr, payloadType, payload) })
	}
	if err := g.Wait(); err != nil {
		return apperr.New(apperr.KindTransport, "dispatch.send", err)
	}
	return nil
}

func sendWithTransportRetry(sender Sender, destination uint32, payloadType protocol.PayloadType, payload []byte) error {
	var err error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err = sender.SendPayload(destination, payloadType, payload); err == nil {
			return nil
		}
	}
	return apperr.New(apperr.KindTransport, "dispatch.send", err)
}

func selectTargets(reg *registry.Registry, devices []uint32, match func(protocol.StatusType) bool) []uint32 {
	source := devices
	if len(source) == 0 {
		source = reg.KnownDevices()
	}
	out := make([]uint32, 0, len(source))
	for _, addr := range source {
		snap, ok := reg.Get(addr)
		if ok && match(snap.Status) {
			out = append(out, addr)
		}
	}
	return out
}

func waitForStatus(ctx context.Context, reg *registry.Registry, targets []uint32, want protocol.StatusType, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if allInStatus(reg, targets, want) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func allInStatus(reg *registry.Registry, targets []uint32, want protocol.StatusType) bool {
	for _, addr := range targets {
		snap, ok := reg.Get(addr)
		if !ok || snap.Status != want {
			return false
		}
	}
	return true
}

func filterNotInStatus(reg *registry.Registry, targets []uint32, want protocol.StatusType) []uint32 {
	var out []uint32
	for _, addr := range targets {
		snap, ok := reg.Get(addr)
		if !ok || snap.Status != want {
			out = append(out, addr)
		}
	}
	return out
}

func sameSet(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uint32]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
