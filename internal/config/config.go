// Package config loads the controller's YAML settings file (C8, spec
// §6.5) and turns it into the concrete values internal/controller,
// internal/adapter/edge, internal/adapter/cloud and internal/firmwarecache
// expect. Modeled closely on the teacher's cmd/agsys-controller/main.go
// nested Config struct and loadConfig function.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmit/testbed-controller/internal/adapter/cloud"
	"github.com/swarmit/testbed-controller/internal/adapter/edge"
	"github.com/swarmit/testbed-controller/internal/logging"
)

// File is the top-level shape of the YAML config file (spec §6.5).
type File struct {
	Controller struct {
		Adapter            string   `yaml:"adapter"` // "edge" | "cloud"
		SerialPort         string   `yaml:"serial_port"`
		SerialBaudrate     int      `yaml:"serial_baudrate"`
		MQTTHost           string   `yaml:"mqtt_host"`
		MQTTPort           int      `yaml:"mqtt_port"`
		MQTTUseTLS         bool     `yaml:"mqtt_use_tls"`
		NetworkID          uint32   `yaml:"network_id"`
		Devices            []string `yaml:"devices"`
		Verbose            bool     `yaml:"verbose"`
		OTATimeout         float64  `yaml:"ota_timeout"`
		OTAMaxRetries      int      `yaml:"ota_max_retries"`
		AdapterWaitTimeout float64  `yaml:"adapter_wait_timeout"`
		MapSize            string   `yaml:"map_size"`
	} `yaml:"controller"`

	Logging logging.Config `yaml:"logging"`

	FirmwareCache struct {
		Path string `yaml:"path"`
	} `yaml:"firmware_cache"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &f, nil
}

// Settings is the resolved, typed configuration handed to cmd/swarmctl's
// wiring step: which adapter to build and with what parameters, plus the
// command-level tunables the controller needs.
type Settings struct {
	AdapterKind string // "edge" | "cloud"
	Edge        edge.Config
	Cloud       cloud.Config

	Devices            []uint32 // restriction list; empty means "all known devices"
	OTAAckTimeout      time.Duration
	OTAMaxRetries      int
	AdapterWaitTimeout time.Duration

	FirmwareCachePath string
	Logging           logging.Config
}

// Resolve turns a parsed File into Settings, applying the teacher's
// override-if-nonzero merge pattern against each adapter's DefaultConfig.
func (f *File) Resolve() (Settings, error) {
	s := Settings{
		AdapterKind:        strings.ToLower(f.Controller.Adapter),
		OTAAckTimeout:      secondsToDuration(f.Controller.OTATimeout, 200*time.Millisecond),
		OTAMaxRetries:      f.Controller.OTAMaxRetries,
		AdapterWaitTimeout: secondsToDuration(f.Controller.AdapterWaitTimeout, 3*time.Second),
		FirmwareCachePath:  f.FirmwareCache.Path,
		Logging:            f.Logging,
	}
	if s.OTAMaxRetries <= 0 {
		s.OTAMaxRetries = 3
	}
	if s.FirmwareCachePath == "" {
		s.FirmwareCachePath = "./firmware-cache.db"
	}

	devices, err := parseDeviceList(f.Controller.Devices)
	if err != nil {
		return Settings{}, err
	}
	s.Devices = devices

	switch s.AdapterKind {
	case "", "edge":
		s.AdapterKind = "edge"
		s.Edge = edge.DefaultConfig()
		if f.Controller.SerialPort != "" {
			s.Edge.SerialPort = f.Controller.SerialPort
		}
		if f.Controller.SerialBaudrate != 0 {
			s.Edge.SerialBaudrate = f.Controller.SerialBaudrate
		}
	case "cloud":
		s.Cloud = cloud.Config{
			Host:      f.Controller.MQTTHost,
			Port:      f.Controller.MQTTPort,
			UseTLS:    f.Controller.MQTTUseTLS,
			ClientID:  "swarmctl",
			QoS:       1,
			NetworkID: f.Controller.NetworkID,
		}
		if s.Cloud.Host == "" {
			s.Cloud.Host = "localhost"
		}
		if s.Cloud.Port == 0 {
			s.Cloud.Port = 1883
		}
	default:
		return Settings{}, fmt.Errorf("config: unknown controller.adapter %q (want edge or cloud)", f.Controller.Adapter)
	}

	return s, nil
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func parseDeviceList(raw []string) ([]uint32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	addrs := make([]uint32, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid device address %q: %w", s, err)
		}
		addrs = append(addrs, uint32(v))
	}
	return addrs, nil
}
