// Package controller implements the controller façade (C6): it wires the
// registry, dispatcher, and OTA engine to one gateway adapter, owns the
// adapter's ingress decode-and-route loop, and exposes the public
// operation surface (spec §4.6). Grounded in the teacher's
// internal/engine/engine.go Engine type, which plays the same composing-
// façade role over its device map, command bus, and LoRaWAN gateway.
package controller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/swarmit/testbed-controller/internal/adapter"
	"github.com/swarmit/testbed-controller/internal/apperr"
	"github.com/swarmit/testbed-controller/internal/dispatch"
	"github.com/swarmit/testbed-controller/internal/firmwarecache"
	"github.com/swarmit/testbed-controller/internal/logging"
	"github.com/swarmit/testbed-controller/internal/monitor"
	"github.com/swarmit/testbed-controller/internal/ota"
	"github.com/swarmit/testbed-controller/internal/protocol"
	"github.com/swarmit/testbed-controller/internal/registry"
)

// AdapterWaitTimeout is how long Run waits for the adapter to finish its
// own connection handshake before the controller accepts commands (spec
// §4.3 "adapter_wait_timeout", default 3s).
const AdapterWaitTimeout = 3 * time.Second

// Controller is the swarm testbed controller façade (C6): the single
// entry point an operator (CLI or otherwise) drives.
type Controller struct {
	log *logging.Logger
	gw  adapter.Adapter

	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	OTA        *ota.Engine

	// Catalog is the firmware cache catalog (C9) backing UploadFirmware/
	// ResolveFirmware. Nil unless SetCatalog is called; while it is nil,
	// those operations return an InvalidArgument error.
	Catalog *firmwarecache.Cache

	adapterWait time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
}

// New builds a Controller bound to gw. The registry sweep and adapter
// ingress are not started until Run is called.
func New(gw adapter.Adapter, log *logging.Logger, ackTimeout time.Duration, maxRetries int) *Controller {
	if log == nil {
		log = logging.Default()
	}
	reg := registry.New()
	c := &Controller{
		log:         log,
		gw:          gw,
		Registry:    reg,
		Dispatcher:  dispatch.New(reg, gw),
		OTA:         ota.New(reg, gw, ackTimeout, maxRetries),
		adapterWait: AdapterWaitTimeout,
	}
	return c
}

// SetCatalog attaches a firmware cache catalog, enabling UploadFirmware and
// ResolveFirmware. Optional: a Controller with no catalog configured still
// supports byte-slice-based StartOTA/Transfer.
func (c *Controller) SetCatalog(cache *firmwarecache.Cache) { c.Catalog = cache }

// Run starts the registry sweep and the adapter ingress loop, then blocks
// AdapterWaitTimeout to give the adapter time to settle before returning
// (spec §4.3). Stop or Terminate cancels the context Run derives from ctx
// and tears the controller down.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.Registry.StartSweep(c.ctx)

	if err := c.gw.Init(c.onFrame); err != nil {
		return apperr.New(apperr.KindTransport, "controller.Run", err)
	}

	select {
	case <-time.After(c.adapterWait):
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.log.Info("controller ready", "adapter_wait", c.adapterWait)
	return nil
}

// onFrame decodes an inbound Frame and routes it to the registry or the
// OTA engine by PayloadType (spec §4.3 ingress table). Unknown or
// malformed payloads are logged and dropped — ingress never panics on a
// wire frame and never blocks the adapter's goroutine.
func (c *Controller) onFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.PayloadStatus:
		p, err := protocol.DecodeStatusPayload(frame.Payload)
		if err != nil {
			c.log.Warn("dropped malformed STATUS frame", "source", protocol.FormatAddress(frame.Source), "err", err)
			return
		}
		c.Registry.IngestStatus(frame.Source, p)

	case protocol.PayloadEventLog:
		p, err := protocol.DecodeEventLogPayload(frame.Payload)
		if err != nil {
			c.log.Warn("dropped malformed EVENT_LOG frame", "source", protocol.FormatAddress(frame.Source), "err", err)
			return
		}
		c.Registry.IngestEventLog(frame.Source, p)

	case protocol.PayloadEventGPIO:
		p, err := protocol.DecodeEventGPIOPayload(frame.Payload)
		if err != nil {
			c.log.Warn("dropped malformed EVENT_GPIO frame", "source", protocol.FormatAddress(frame.Source), "err", err)
			return
		}
		c.Registry.IngestEventGPIO(frame.Source, p)

	case protocol.PayloadOTAStartAck:
		c.OTA.HandleOTAStartAck(frame.Source)

	case protocol.PayloadOTAChunkAck:
		p, err := protocol.DecodeOTAChunkAckPayload(frame.Payload)
		if err != nil {
			c.log.Warn("dropped malformed OTA_CHUNK_ACK frame", "source", protocol.FormatAddress(frame.Source), "err", err)
			return
		}
		c.OTA.HandleOTAChunkAck(frame.Source, p.Index)

	default:
		c.log.Debug("ignored frame of unhandled type", "type", fmt.Sprintf("0x%02X", byte(frame.Type)), "source", protocol.FormatAddress(frame.Source))
	}
}

// Stop tears down the adapter, sweep loop, and any in-flight background
// work, without treating it as an operator-visible error. The adapter is
// closed first so its ingress goroutine stops calling into the registry
// before Registry.Stop() closes the event channel it publishes to.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.gw.Close()
	c.Registry.Stop()
	return err
}

// Terminate is Stop's alias for the spec's terminate() operation name
// (§4.6).
func (c *Controller) Terminate() error { return c.Stop() }

// Start issues the start command (spec §4.4/§4.6).
func (c *Controller) Start(ctx context.Context, devices []uint32, timeout time.Duration) (dispatch.Result, error) {
	return c.Dispatcher.Start(ctx, devices, timeout)
}

// Stop issues the stop command to devices. Named StopDevices to avoid
// colliding with the façade's own lifecycle Stop.
func (c *Controller) StopDevices(ctx context.Context, devices []uint32, timeout time.Duration) (dispatch.Result, error) {
	return c.Dispatcher.Stop(ctx, devices, timeout)
}

// Reset issues per-device reset commands.
func (c *Controller) Reset(ctx context.Context, locations map[uint32]dispatch.ResetLocation, configured []uint32, timeout time.Duration) (dispatch.Result, error) {
	return c.Dispatcher.Reset(ctx, locations, configured, timeout)
}

// SendMessage fire-and-forgets a text message to devices (or all Running
// devices if devices is nil).
func (c *Controller) SendMessage(text string, devices []uint32) error {
	return c.Dispatcher.SendMessage(text, devices)
}

// Status returns the current snapshot table (spec §4.6 status()).
func (c *Controller) Status() []registry.Snapshot {
	return c.Registry.Snapshots()
}

// Monitor attaches the event monitor (C7) to the registry's event stream
// and blocks until ctx is cancelled (runForever) or timeout elapses,
// whichever comes first (spec §4.6 monitor()). A keyboard-interrupt-style
// cancellation of ctx stops it cleanly without calling Terminate itself —
// callers own the decision to terminate the controller afterward.
func (c *Controller) Monitor(ctx context.Context, runForever bool, timeout time.Duration) error {
	mon := monitor.New(c.Registry, c.log)
	monCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go mon.Run(monCtx)

	if runForever {
		<-monCtx.Done()
		mon.Wait()
		return nil
	}

	select {
	case <-time.After(timeout):
	case <-monCtx.Done():
	}
	cancel()
	mon.Wait()
	return nil
}

// StartOTA negotiates an OTA session (spec §4.5.2). A non-empty Missed set
// is not an error: the caller decides whether devices that did not ACK the
// session start make the whole operation fail.
func (c *Controller) StartOTA(ctx context.Context, firmware []byte, devices []uint32) (ota.StartOTAResult, error) {
	return c.OTA.StartOTA(ctx, firmware, devices)
}

// Transfer streams firmware to the devices that acked StartOTA (spec
// §4.5.3).
func (c *Controller) Transfer(ctx context.Context, firmware []byte, ackedDevices []uint32) (map[uint32]ota.TransferResult, error) {
	return c.OTA.Transfer(ctx, firmware, ackedDevices)
}

// Deploy combines StartOTA and Transfer into one call for devices that all
// ACK session start. Devices that miss the start ACK are reported in
// Missed and excluded from the transfer. This is a spec_full convenience
// wrapper, not the spec's upload_firmware operation (see UploadFirmware).
func (c *Controller) Deploy(ctx context.Context, firmware []byte, devices []uint32) (ota.StartOTAResult, map[uint32]ota.TransferResult, error) {
	start, err := c.OTA.StartOTA(ctx, firmware, devices)
	if err != nil {
		return ota.StartOTAResult{}, nil, err
	}
	if len(start.Acked) == 0 {
		return start, map[uint32]ota.TransferResult{}, nil
	}
	results, err := c.OTA.Transfer(ctx, firmware, start.Acked)
	if err != nil {
		return start, nil, err
	}
	return start, results, nil
}

// UploadFirmware reads a firmware file once and stores it in the firmware
// cache catalog (C9) keyed by deviceType/version, returning a catalog ID
// that later StartOTA/Transfer calls can resolve via ResolveFirmware
// instead of re-reading the file (spec §4.6). Additive: it does not change
// StartOTA/Transfer's existing byte-slice signatures.
func (c *Controller) UploadFirmware(path, deviceType, version string) (catalogID string, err error) {
	if c.Catalog == nil {
		return "", apperr.New(apperr.KindInvalidArgument, "controller.UploadFirmware", fmt.Errorf("no firmware cache catalog configured"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.New(apperr.KindInvalidArgument, "controller.UploadFirmware", fmt.Errorf("read firmware file: %w", err))
	}
	entry, err := c.Catalog.Put(deviceType, version, data)
	if err != nil {
		return "", err
	}
	catalogID = formatCatalogID(deviceType, version)
	c.log.Info("firmware uploaded to catalog", "catalog_id", catalogID, "size", entry.Size, "sha256", fmt.Sprintf("%x", entry.SHA256))
	return catalogID, nil
}

// ResolveFirmware looks up cached firmware bytes by catalog ID (as
// returned by UploadFirmware) for use with StartOTA/Transfer.
func (c *Controller) ResolveFirmware(catalogID string) ([]byte, error) {
	if c.Catalog == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "controller.ResolveFirmware", fmt.Errorf("no firmware cache catalog configured"))
	}
	deviceType, version, ok := parseCatalogID(catalogID)
	if !ok {
		return nil, apperr.Invalid("controller.ResolveFirmware", "malformed catalog id %q", catalogID)
	}
	data, _, err := c.Catalog.Get(deviceType, version)
	return data, err
}

func formatCatalogID(deviceType, version string) string { return deviceType + "@" + version }

func parseCatalogID(catalogID string) (deviceType, version string, ok bool) {
	for i := 0; i < len(catalogID); i++ {
		if catalogID[i] == '@' {
			return catalogID[:i], catalogID[i+1:], true
		}
	}
	return "", "", false
}
