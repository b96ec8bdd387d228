package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mil-ad/mechlink/internal/rfcomm"
)

// DeviceConfig is a known robot.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Service string `yaml:"service"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings like "10s" or "1m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the on-disk configuration.
type Config struct {
	Adapter      string         `yaml:"adapter"`
	Socket       string         `yaml:"socket"`
	Devices      []DeviceConfig `yaml:"devices"`
	ScanDuration Duration       `yaml:"scan_duration"`

	Timeouts struct {
		Enable   Duration `yaml:"enable"`
		Scan     Duration `yaml:"scan"`
		Services Duration `yaml:"services"`
		Connect  Duration `yaml:"connect"`
	} `yaml:"timeouts"`

	RFCOMM struct {
		Channels      map[string]uint8 `yaml:"channels"`
		ProbeChannels int              `yaml:"probe_channels"`
	} `yaml:"rfcomm"`

	Transmit struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"transmit"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

func defaultConfig() Config {
	var c Config
	c.Adapter = "hci0"
	c.Socket = defaultSocketPath()
	c.ScanDuration = Duration(12 * time.Second)
	c.Timeouts.Enable = Duration(10 * time.Second)
	c.Timeouts.Scan = Duration(30 * time.Second)
	c.Timeouts.Services = Duration(15 * time.Second)
	c.Timeouts.Connect = Duration(10 * time.Second)
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 10
	c.Log.MaxBackups = 3
	return c
}

func configPath() string {
	if p := os.Getenv("MECHLINK_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "mechlink", "config.yaml")
}

func defaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "mechlink.sock")
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	for i, d := range cfg.Devices {
		if d.Address == "" {
			return cfg, fmt.Errorf("parse config: device %d has no address", i)
		}
	}
	return cfg, nil
}

// resolveDevice picks a device address. If addr is non-empty, it is returned
// directly. Otherwise, the first device from the config is used.
func resolveDevice(cfg Config, addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	if len(cfg.Devices) == 0 {
		return "", fmt.Errorf("no device specified and config has no devices")
	}
	return cfg.Devices[0].Address, nil
}

// resolveService picks the service to connect to on addr: svc if given, then
// the configured service for that device, then the Serial Port Profile.
func resolveService(cfg Config, addr, svc string) string {
	if svc != "" {
		return svc
	}
	for _, d := range cfg.Devices {
		if strings.EqualFold(d.Address, addr) && d.Service != "" {
			return d.Service
		}
	}
	return rfcomm.SerialPortProfile
}

func dur(d Duration) time.Duration { return time.Duration(d) }
