package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controller.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestResolveEdgeAdapterDefaults(t *testing.T) {
	path := writeTestConfig(t, `
controller:
  adapter: edge
logging:
  level: info
  format: json
  output: stdout
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := f.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.AdapterKind != "edge" {
		t.Fatalf("expected edge adapter, got %q", s.AdapterKind)
	}
	if s.Edge.EventURL == "" || s.Edge.CommandURL == "" {
		t.Fatalf("expected default edge socket URLs, got %+v", s.Edge)
	}
	if s.Edge.SerialPort != "" || s.Edge.SerialBaudrate != 115200 {
		t.Fatalf("expected default serial config (blank port, 115200 baud), got %+v", s.Edge)
	}
	if s.OTAMaxRetries != 3 {
		t.Fatalf("expected default OTAMaxRetries 3, got %d", s.OTAMaxRetries)
	}
	if s.AdapterWaitTimeout != 3*time.Second {
		t.Fatalf("expected default adapter wait 3s, got %v", s.AdapterWaitTimeout)
	}
	if s.FirmwareCachePath != "./firmware-cache.db" {
		t.Fatalf("expected default firmware cache path, got %q", s.FirmwareCachePath)
	}
}

func TestResolveCloudAdapterOverrides(t *testing.T) {
	path := writeTestConfig(t, `
controller:
  adapter: cloud
  mqtt_host: broker.example.com
  mqtt_port: 8883
  mqtt_use_tls: true
  network_id: 0x0001
  ota_timeout: 0.5
  ota_max_retries: 5
  adapter_wait_timeout: 1.5
  devices:
    - "0001ABCD"
    - "0xDEADBEEF"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := f.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.AdapterKind != "cloud" {
		t.Fatalf("expected cloud adapter, got %q", s.AdapterKind)
	}
	if s.Cloud.Host != "broker.example.com" || s.Cloud.Port != 8883 || !s.Cloud.UseTLS {
		t.Fatalf("unexpected cloud config: %+v", s.Cloud)
	}
	if s.Cloud.NetworkID != 1 {
		t.Fatalf("expected network_id 1, got %d", s.Cloud.NetworkID)
	}
	if s.OTAAckTimeout != 500*time.Millisecond {
		t.Fatalf("expected OTAAckTimeout 500ms, got %v", s.OTAAckTimeout)
	}
	if s.OTAMaxRetries != 5 {
		t.Fatalf("expected OTAMaxRetries 5, got %d", s.OTAMaxRetries)
	}
	if len(s.Devices) != 2 || s.Devices[0] != 0x0001ABCD || s.Devices[1] != 0xDEADBEEF {
		t.Fatalf("unexpected parsed devices: %x", s.Devices)
	}
}

func TestResolveEdgeAdapterSerialOverrides(t *testing.T) {
	path := writeTestConfig(t, `
controller:
  adapter: edge
  serial_port: /dev/ttyACM1
  serial_baudrate: 921600
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := f.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Edge.SerialPort != "/dev/ttyACM1" || s.Edge.SerialBaudrate != 921600 {
		t.Fatalf("expected serial overrides to pass through, got %+v", s.Edge)
	}
}

func TestResolveRejectsUnknownAdapter(t *testing.T) {
	path := writeTestConfig(t, `
controller:
  adapter: serial-direct
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := f.Resolve(); err == nil {
		t.Fatal("expected error for unknown adapter kind")
	}
}

func TestResolveRejectsMalformedDeviceAddress(t *testing.T) {
	path := writeTestConfig(t, `
controller:
  adapter: edge
  devices:
    - "not-hex"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := f.Resolve(); err == nil {
		t.Fatal("expected error for malformed device address")
	}
}
