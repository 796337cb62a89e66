// Package cloud implements the gateway adapter (C2) for a remote testbed
// reachable through an MQTT broker: outbound frames are published to a
// per-destination topic, inbound frames are received on a wildcard
// subscription. Grounded in nerrad567-gray-logic-stack's internal/
// infrastructure/mqtt package: paho.mqtt.golang client options, Last Will
// and Testament for offline detection, and auto-reconnect-with-backoff.
package cloud

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/swarmit/testbed-controller/internal/adapter"
	"github.com/swarmit/testbed-controller/internal/apperr"
	"github.com/swarmit/testbed-controller/internal/logging"
	"github.com/swarmit/testbed-controller/internal/protocol"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	tlsMinVersion         = tls.VersionTLS12
)

// Config mirrors the "cloud" adapter config block (spec §6.5 mqtt_host/
// mqtt_port/mqtt_use_tls/network_id).
type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	UseTLS    bool   `yaml:"use_tls"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QoS       byte   `yaml:"qos"`
	NetworkID uint32 `yaml:"network_id"`
}

// topicPrefix is the network-scoped topic root every uplink/downlink/status
// topic is built from: swarmit/<network_id>/... (spec §4.2 "network_id is
// embedded in the topic prefix"). Several controllers can share one broker
// without crosstalk as long as each uses a distinct network_id.
func (c Config) topicPrefix() string {
	return fmt.Sprintf("swarmit/%s", protocol.FormatAddress(c.NetworkID))
}

// Adapter is an MQTT-backed adapter.Adapter.
type Adapter struct {
	cfg Config
	log *logging.Logger

	client pahomqtt.Client

	mu      sync.Mutex
	onFrame adapter.FrameHandler
}

// New builds a cloud Adapter. Call Init to connect.
func New(cfg Config, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Default()
	}
	return &Adapter{cfg: cfg, log: log.With("component", "adapter.cloud")}
}

// Init connects to the broker, configures LWT, subscribes to the uplink
// wildcard topic, and begins dispatching inbound frames to onFrame.
func (a *Adapter) Init(onFrame adapter.FrameHandler) error {
	a.mu.Lock()
	a.onFrame = onFrame
	a.mu.Unlock()

	opts := a.buildClientOptions()
	a.configureLWT(opts)

	a.client = pahomqtt.NewClient(opts)
	token := a.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return apperr.New(apperr.KindTransport, "cloud.Init", fmt.Errorf("connect timed out after %v", defaultConnectTimeout))
	}
	if err := token.Error(); err != nil {
		return apperr.New(apperr.KindTransport, "cloud.Init", err)
	}

	uplink := a.uplinkTopic()
	subToken := a.client.Subscribe(uplink, a.cfg.QoS, a.handleMessage)
	if !subToken.WaitTimeout(defaultConnectTimeout) {
		return apperr.New(apperr.KindTransport, "cloud.Init", fmt.Errorf("subscribe to %s timed out", uplink))
	}
	if err := subToken.Error(); err != nil {
		return apperr.New(apperr.KindTransport, "cloud.Init", err)
	}

	a.client.Publish(a.statusTopic(), a.cfg.QoS, true, `{"status":"online"}`)
	a.log.Info("cloud adapter connected", "host", a.cfg.Host, "port", a.cfg.Port, "network_id", protocol.FormatAddress(a.cfg.NetworkID))
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	if a.client.IsConnected() {
		token := a.client.Publish(a.statusTopic(), a.cfg.QoS, true, `{"status":"offline"}`)
		token.WaitTimeout(defaultPublishTimeout)
	}
	a.client.Disconnect(250)
	return nil
}

// SendPayload publishes a Frame to the destination's downlink topic. A
// broadcast destination publishes to the shared broadcast topic; every
// connected gateway daemon is expected to subscribe to it.
func (a *Adapter) SendPayload(destination uint32, payloadType protocol.PayloadType, payload []byte) error {
	frame := protocol.Frame{Destination: destination, Type: payloadType, Payload: payload}
	topic := a.downlinkTopic(destination)
	token := a.client.Publish(topic, a.cfg.QoS, false, frame.Encode())
	if !token.WaitTimeout(defaultPublishTimeout) {
		return apperr.New(apperr.KindTimeout, "cloud.SendPayload", fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return apperr.New(apperr.KindTransport, "cloud.SendPayload", err)
	}
	return nil
}

// handleMessage decodes an inbound MQTT message's payload as a Frame and
// dispatches it. Malformed frames are logged and dropped.
func (a *Adapter) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	frame, err := protocol.DecodeFrame(msg.Payload())
	if err != nil {
		a.log.Warn("dropped malformed frame on uplink topic", "topic", msg.Topic(), "err", err)
		return
	}

	a.mu.Lock()
	handler := a.onFrame
	a.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

// uplinkTopic is the wildcard subscription every frame a device (or
// gateway daemon relaying for one) sends arrives on.
func (a *Adapter) uplinkTopic() string { return a.cfg.topicPrefix() + "/uplink/+" }

// downlinkTopic is the topic a Frame bound for destination is published to.
func (a *Adapter) downlinkTopic(destination uint32) string {
	return a.cfg.topicPrefix() + "/downlink/" + protocol.FormatAddress(destination)
}

// statusTopic carries this controller's own online/offline LWT status.
func (a *Adapter) statusTopic() string { return a.cfg.topicPrefix() + "/system/status" }

func (a *Adapter) buildClientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if a.cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, a.cfg.Host, a.cfg.Port))
	opts.SetClientID(a.cfg.ClientID)

	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if a.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

func (a *Adapter) configureLWT(opts *pahomqtt.ClientOptions) {
	payload := fmt.Sprintf(`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect"}`, a.cfg.ClientID)
	opts.SetWill(a.statusTopic(), payload, 1, true)
}
