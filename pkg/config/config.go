// Package config handles loading, defaulting, and validation of the camd
// TOML configuration file. The configuration is read once at startup and
// never mutated afterwards; invalid values reject startup.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DisconnectMode selects what "disconnect the camera" means under low
// battery: cutting hub port power entirely, or only refusing data mode
// while keeping recording power.
type DisconnectMode string

const (
	// DisconnectPortOff powers the hub port off completely.
	DisconnectPortOff DisconnectMode = "port-off"
	// DisconnectDataOff keeps the port powered for recording but
	// deauthorizes the data connection.
	DisconnectDataOff DisconnectMode = "data-off"
)

// PowerSource selects where battery telemetry comes from.
type PowerSource string

const (
	// PowerSourceCLI reads the UPS telemetry CLI (lifepo4wered-cli).
	PowerSourceCLI PowerSource = "cli"
	// PowerSourceSystem reads the host battery via the OS. Intended for
	// bench testing on machines without the UPS HAT.
	PowerSourceSystem PowerSource = "system"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Poll       PollConfig       `toml:"poll"       json:"poll"`
	Thresholds ThresholdsConfig `toml:"thresholds" json:"thresholds"`
	Power      PowerConfig      `toml:"power"      json:"power"`
	USB        USBConfig        `toml:"usb"        json:"usb"`
	Camera     CameraConfig     `toml:"camera"     json:"camera"`
	Staging    StagingConfig    `toml:"staging"    json:"staging"`
	Upload     UploadConfig     `toml:"upload"     json:"upload"`
	Server     ServerConfig     `toml:"server"     json:"server"`
	Logging    LoggingConfig    `toml:"logging"    json:"logging"`
	System     SystemConfig     `toml:"system"     json:"system"`
}

type PollConfig struct {
	// IntervalSeconds is the sleep between ticks. The loop sleeps after a
	// tick completes, so the effective period is interval + tick duration.
	IntervalSeconds     int `toml:"interval_seconds"      json:"interval_seconds"`
	DeviceWaitSeconds   int `toml:"device_wait_seconds"   json:"device_wait_seconds"`
	RemovalWaitSeconds  int `toml:"removal_wait_seconds"  json:"removal_wait_seconds"`
	ProbeTimeoutSeconds int `toml:"probe_timeout_seconds" json:"probe_timeout_seconds"`
}

type ThresholdsConfig struct {
	DisconnectPercent int `toml:"disconnect_percent" json:"disconnect_percent"`
	ShutdownPercent   int `toml:"shutdown_percent"   json:"shutdown_percent"`
}

type PowerConfig struct {
	Source  PowerSource `toml:"source"  json:"source"`
	Command string      `toml:"command" json:"command"`
	// Format of the command output: "kv" for KEY = VALUE lines, "json"
	// for the JSON surface.
	Format string `toml:"format" json:"format"`
}

type USBConfig struct {
	// AuthorizedPath is the sysfs authorized flag of the camera's USB
	// topology path.
	AuthorizedPath string         `toml:"authorized_path" json:"authorized_path"`
	HubLocation    string         `toml:"hub_location"    json:"hub_location"`
	Port           int            `toml:"port"            json:"port"`
	DisconnectMode DisconnectMode `toml:"disconnect_mode" json:"disconnect_mode"`
}

type CameraConfig struct {
	VendorID      string   `toml:"vendor_id"       json:"vendor_id"`
	ProductID     string   `toml:"product_id"      json:"product_id"`
	ByIDSubstring string   `toml:"by_id_substring" json:"by_id_substring"`
	MountBase     string   `toml:"mount_base"      json:"mount_base"`
	Subdirs       []string `toml:"subdirs"         json:"subdirs"`
	// SelectStrategy orders candidate files: newest, oldest, or largest.
	SelectStrategy string `toml:"select_strategy" json:"select_strategy"`
	MaxFiles       int    `toml:"max_files"       json:"max_files"`
	MaxBytes       int64  `toml:"max_bytes"       json:"max_bytes"`
}

type StagingConfig struct {
	Path string `toml:"path" json:"path"`
	// CapacityMargin is the fraction of the staging filesystem that may
	// be used, copies included. Must be in (0, 1].
	CapacityMargin float64 `toml:"capacity_margin" json:"capacity_margin"`
}

type UploadConfig struct {
	Host           string `toml:"host"            json:"host"`
	Port           int    `toml:"port"            json:"port"`
	User           string `toml:"user"            json:"user"`
	DestPath       string `toml:"dest_path"       json:"dest_path"`
	SSHKey         string `toml:"ssh_key"         json:"ssh_key"`
	Retries        int    `toml:"retries"         json:"retries"`
	BackoffSeconds int    `toml:"backoff_seconds" json:"backoff_seconds"`
}

type ServerConfig struct {
	Socket       string `toml:"socket"         json:"socket"`
	AllowNonRoot bool   `toml:"allow_non_root" json:"allow_non_root"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
}

type SystemConfig struct {
	ShutdownCommand string `toml:"shutdown_command" json:"shutdown_command"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Poll: PollConfig{
			IntervalSeconds:     30,
			DeviceWaitSeconds:   60,
			RemovalWaitSeconds:  10,
			ProbeTimeoutSeconds: 3,
		},
		Thresholds: ThresholdsConfig{
			DisconnectPercent: 50,
			ShutdownPercent:   25,
		},
		Power: PowerConfig{
			Source:  PowerSourceCLI,
			Command: "lifepo4wered-cli get",
			Format:  "kv",
		},
		USB: USBConfig{
			AuthorizedPath: "/sys/bus/usb/devices/1-1/authorized",
			HubLocation:    "1-1",
			Port:           1,
			DisconnectMode: DisconnectPortOff,
		},
		Camera: CameraConfig{
			MountBase:      "/mnt/cam",
			Subdirs:        []string{"Normal/Front"},
			SelectStrategy: "newest",
		},
		Staging: StagingConfig{
			Path:           "/var/lib/camd/staging",
			CapacityMargin: 0.9,
		},
		Upload: UploadConfig{
			Host:           "192.168.1.203",
			Port:           22,
			DestPath:       "/home/pi/uploads/",
			Retries:        3,
			BackoffSeconds: 2,
		},
		Server: ServerConfig{
			Socket: "/var/run/camd.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		System: SystemConfig{
			ShutdownCommand: "shutdown -h now",
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. A missing file is not an error: the defaults are
// validated and returned.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, pkgerrors.Wrapf(err, "failed to read config %s", path)
		}
	} else {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, pkgerrors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks every startup invariant. Any violation is fatal to the
// process; nothing is clamped or corrected silently.
func (c Config) Validate() error {
	if c.Poll.IntervalSeconds <= 0 {
		return pkgerrors.New("poll.interval_seconds must be > 0")
	}
	if c.Poll.DeviceWaitSeconds <= 0 {
		return pkgerrors.New("poll.device_wait_seconds must be > 0")
	}
	if c.Poll.ProbeTimeoutSeconds <= 0 {
		return pkgerrors.New("poll.probe_timeout_seconds must be > 0")
	}
	if c.Thresholds.ShutdownPercent >= c.Thresholds.DisconnectPercent {
		return pkgerrors.Errorf("thresholds.shutdown_percent (%d) must be below thresholds.disconnect_percent (%d)",
			c.Thresholds.ShutdownPercent, c.Thresholds.DisconnectPercent)
	}
	if c.Thresholds.ShutdownPercent < 0 || c.Thresholds.DisconnectPercent > 100 {
		return pkgerrors.New("thresholds must be within 0-100")
	}
	switch c.Power.Source {
	case PowerSourceCLI, PowerSourceSystem:
	default:
		return pkgerrors.Errorf("power.source must be %q or %q, got %q", PowerSourceCLI, PowerSourceSystem, c.Power.Source)
	}
	if c.Power.Source == PowerSourceCLI && c.Power.Command == "" {
		return pkgerrors.New("power.command must not be empty when power.source is cli")
	}
	if c.Power.Format != "kv" && c.Power.Format != "json" {
		return pkgerrors.Errorf("power.format must be kv or json, got %q", c.Power.Format)
	}
	switch c.USB.DisconnectMode {
	case DisconnectPortOff, DisconnectDataOff:
	default:
		return pkgerrors.Errorf("usb.disconnect_mode must be %q or %q, got %q", DisconnectPortOff, DisconnectDataOff, c.USB.DisconnectMode)
	}
	if c.USB.AuthorizedPath == "" {
		return pkgerrors.New("usb.authorized_path must not be empty")
	}
	if c.USB.HubLocation == "" {
		return pkgerrors.New("usb.hub_location must not be empty")
	}
	switch c.Camera.SelectStrategy {
	case "newest", "oldest", "largest":
	default:
		return pkgerrors.Errorf("camera.select_strategy must be newest, oldest, or largest, got %q", c.Camera.SelectStrategy)
	}
	if c.Staging.Path == "" {
		return pkgerrors.New("staging.path must not be empty")
	}
	if c.Staging.CapacityMargin <= 0 || c.Staging.CapacityMargin > 1 {
		return pkgerrors.Errorf("staging.capacity_margin must be in (0, 1], got %v", c.Staging.CapacityMargin)
	}
	if c.Upload.Host == "" {
		return pkgerrors.New("upload.host must not be empty")
	}
	if c.Upload.DestPath == "" {
		return pkgerrors.New("upload.dest_path must not be empty")
	}
	if c.Upload.Retries < 0 {
		return pkgerrors.New("upload.retries must be >= 0")
	}
	if c.Upload.BackoffSeconds <= 0 {
		return pkgerrors.New("upload.backoff_seconds must be > 0")
	}
	if c.Server.Socket == "" {
		return pkgerrors.New("server.socket must not be empty")
	}
	if c.System.ShutdownCommand == "" {
		return pkgerrors.New("system.shutdown_command must not be empty")
	}
	return nil
}

// LogrusFields returns the fields worth logging at startup.
func (c Config) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"pollInterval":      c.Poll.IntervalSeconds,
		"disconnectPercent": c.Thresholds.DisconnectPercent,
		"shutdownPercent":   c.Thresholds.ShutdownPercent,
		"powerSource":       c.Power.Source,
		"disconnectMode":    c.USB.DisconnectMode,
		"stagingPath":       c.Staging.Path,
		"capacityMargin":    c.Staging.CapacityMargin,
		"uploadHost":        c.Upload.Host,
	}
}
