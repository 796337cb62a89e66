// Package edge implements the gateway adapter (C2) for a local testbed
// gateway daemon reachable over ZeroMQ IPC sockets — a SUB socket for
// inbound frames and a REQ socket for outbound sends, mirroring the
// teacher's internal/lora/concentratord.go ChirpStack Concentratord
// driver (event socket + command socket + background event loop), with
// the ChirpStack/LoRaWAN-specific gw.DownlinkFrame wire format replaced by
// this repository's own protocol.Frame codec.
package edge

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/swarmit/testbed-controller/internal/adapter"
	"github.com/swarmit/testbed-controller/internal/apperr"
	"github.com/swarmit/testbed-controller/internal/logging"
	"github.com/swarmit/testbed-controller/internal/protocol"
)

// Config holds the gateway daemon's IPC endpoints and the serial link the
// daemon should open to the physical gateway device (spec §6.5 "edge"
// adapter config block; spec §4.2 "serial_port / serial_baudrate settings
// are passed through to the daemon at dial time").
type Config struct {
	EventURL       string `yaml:"event_url"`
	CommandURL     string `yaml:"command_url"`
	SerialPort     string `yaml:"serial_port"`
	SerialBaudrate int    `yaml:"serial_baudrate"`
}

// DefaultConfig mirrors the teacher's DefaultConcentratordConfig default
// IPC socket paths, renamed for the testbed gateway daemon. SerialPort is
// left empty so the daemon falls back to its own autodetection unless a
// config file overrides it.
func DefaultConfig() Config {
	return Config{
		EventURL:       "ipc:///tmp/swarmit_gateway_event",
		CommandURL:     "ipc:///tmp/swarmit_gateway_command",
		SerialBaudrate: 115200,
	}
}

// Adapter is a ZeroMQ-backed adapter.Adapter talking to a local gateway
// daemon process. The daemon itself — bridging these IPC sockets to the
// actual 802.15.4/BLE radio — is out of this module's scope (spec.md
// Non-goals: "the physical radio/mesh transport implementation"); this
// Adapter only owns the IPC side of that boundary.
type Adapter struct {
	cfg Config
	log *logging.Logger

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	onFrame adapter.FrameHandler
}

// New builds an edge Adapter. Call Init to connect and start the
// background event loop.
func New(cfg Config, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Default()
	}
	return &Adapter{cfg: cfg, log: log.With("component", "adapter.edge")}
}

// Init dials both IPC sockets and starts the background ingress loop
// (spec §4.2 "the adapter owns a background goroutine that decodes
// inbound bytes into Frame values and invokes the registered handler").
func (a *Adapter) Init(onFrame adapter.FrameHandler) error {
	a.mu.Lock()
	a.onFrame = onFrame
	a.mu.Unlock()

	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.eventSock = zmq4.NewSub(a.ctx)
	if err := a.eventSock.Dial(a.cfg.EventURL); err != nil {
		return apperr.New(apperr.KindTransport, "edge.Init", fmt.Errorf("dial event socket: %w", err))
	}
	if err := a.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return apperr.New(apperr.KindTransport, "edge.Init", fmt.Errorf("subscribe: %w", err))
	}

	a.cmdSock = zmq4.NewReq(a.ctx)
	if err := a.cmdSock.Dial(a.cfg.CommandURL); err != nil {
		a.eventSock.Close()
		return apperr.New(apperr.KindTransport, "edge.Init", fmt.Errorf("dial command socket: %w", err))
	}

	if err := a.configureSerial(); err != nil {
		a.eventSock.Close()
		a.cmdSock.Close()
		return err
	}

	a.wg.Add(1)
	go a.eventLoop()

	a.log.Info("edge adapter connected", "event_url", a.cfg.EventURL, "command_url", a.cfg.CommandURL)
	return nil
}

// Close cancels the event loop and releases both sockets. Idempotent.
func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.eventSock != nil {
		_ = a.eventSock.Close()
	}
	if a.cmdSock != nil {
		_ = a.cmdSock.Close()
	}
	return nil
}

// SendPayload encodes a Frame and sends it over the command REQ socket,
// blocking for the daemon's reply (spec §5 "Adapter send method is
// synchronous").
func (a *Adapter) SendPayload(destination uint32, payloadType protocol.PayloadType, payload []byte) error {
	frame := protocol.Frame{Destination: destination, Source: 0, Type: payloadType, Payload: payload}
	msg := zmq4.NewMsgFrom([]byte("down"), frame.Encode())

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cmdSock.Send(msg); err != nil {
		return apperr.New(apperr.KindTransport, "edge.SendPayload", err)
	}
	if _, err := a.cmdSock.Recv(); err != nil {
		return apperr.New(apperr.KindTransport, "edge.SendPayload", fmt.Errorf("awaiting ack: %w", err))
	}
	return nil
}

// configureSerial sends the daemon a one-shot "configure" handshake over the
// command socket, passing through the serial port and baudrate the daemon
// should open toward the physical gateway device (spec §4.2). A blank
// SerialPort tells the daemon to keep using its own default/autodetected
// port.
func (a *Adapter) configureSerial() error {
	msg := zmq4.NewMsgFrom([]byte("configure"), []byte(fmt.Sprintf("%s:%d", a.cfg.SerialPort, a.cfg.SerialBaudrate)))
	if err := a.cmdSock.Send(msg); err != nil {
		return apperr.New(apperr.KindTransport, "edge.Init", fmt.Errorf("configure serial link: %w", err))
	}
	if _, err := a.cmdSock.Recv(); err != nil {
		return apperr.New(apperr.KindTransport, "edge.Init", fmt.Errorf("awaiting configure ack: %w", err))
	}
	return nil
}

// eventLoop receives raw frame bytes from the gateway daemon's event
// socket and decodes+dispatches them, mirroring the teacher's eventLoop
// goroutine shape.
func (a *Adapter) eventLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		msg, err := a.eventSock.Recv()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Warn("event socket recv error", "err", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}

		frame, err := protocol.DecodeFrame(msg.Frames[0])
		if err != nil {
			a.log.Warn("dropped malformed frame from gateway daemon", "err", err)
			continue
		}

		a.mu.Lock()
		handler := a.onFrame
		a.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}
