// Package monitor implements the event monitor (C7): it drains the
// registry's EventRecord channel and emits one structured log record per
// EVENT_LOG/EVENT_GPIO frame (spec §4.7). Grounded in the teacher's
// internal/engine/engine.go event-forwarding goroutine, adapted to
// log/slog instead of a metrics sink.
package monitor

import (
	"context"
	"sync"

	"github.com/swarmit/testbed-controller/internal/logging"
	"github.com/swarmit/testbed-controller/internal/protocol"
	"github.com/swarmit/testbed-controller/internal/registry"
)

// Monitor consumes a Registry's event stream and logs each record.
type Monitor struct {
	reg *registry.Registry
	log *logging.Logger

	wg sync.WaitGroup
}

// New builds a Monitor bound to reg, logging through log.
func New(reg *registry.Registry, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Default()
	}
	return &Monitor{reg: reg, log: log.With("component", "monitor")}
}

// Run drains reg.Events() until the channel closes (i.e. the registry is
// stopped) or ctx is cancelled. It is meant to run on its own goroutine;
// callers should Wait for it to observe full drain on shutdown.
func (m *Monitor) Run(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.reg.Events():
			if !ok {
				return
			}
			logEvent(m.log, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until Run has returned.
func (m *Monitor) Wait() { m.wg.Wait() }

// logEvent renders ev with the field shape spec §4.7 specifies: EVENT_LOG
// carries {address, timestamp, text}; EVENT_GPIO carries {address,
// timestamp, pin, level}.
func logEvent(log *logging.Logger, ev registry.EventRecord) {
	addr := protocol.FormatAddress(ev.Address)
	if ev.IsGPIO {
		log.Info("gpio event", "address", addr, "timestamp", ev.Timestamp, "pin", ev.Pin, "level", ev.Level)
		return
	}
	log.Info("log event", "address", addr, "timestamp", ev.Timestamp, "text", ev.Text)
}
