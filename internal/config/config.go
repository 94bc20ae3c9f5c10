// Package config holds the client binary's configuration: defaults
// come from ERA5G_-prefixed environment variables, flags override
// them, and an optional YAML file overrides both.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ERA5G_"

// GetEnv returns the value of the ERA5G_-prefixed environment variable
// or def when unset or empty.
func GetEnv(name, def string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(GetEnv(name, "")); err == nil {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, err := strconv.ParseBool(GetEnv(name, "")); err == nil {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) Duration {
	if v, err := time.ParseDuration(GetEnv(name, "")); err == nil {
		return Duration(v)
	}
	return Duration(def)
}

// Duration is a time.Duration that reads from YAML and flags in the
// "90s" notation. yaml.v3 has no native duration decoding.
type Duration time.Duration

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// String and Set implement flag.Value.
func (d *Duration) String() string { return time.Duration(*d).String() }

func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds configuration for the client binary.
type Config struct {
	NetAppURL string `yaml:"netapp_url"`

	MiddlewareAddress  string `yaml:"middleware_address"`
	MiddlewareUser     string `yaml:"middleware_user"`
	MiddlewarePassword string `yaml:"middleware_password"`
	TaskID             string `yaml:"task_id"`
	RobotID            string `yaml:"robot_id"`
	ResourceLock       bool   `yaml:"resource_lock"`

	ClientID          string   `yaml:"client_id"`
	Reconnect         bool     `yaml:"reconnect"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	QueueSize         int      `yaml:"queue_size"`
	WaitTimeout       Duration `yaml:"wait_timeout"`

	H264        bool `yaml:"h264"`
	Width       int  `yaml:"width"`
	Height      int  `yaml:"height"`
	FPS         int  `yaml:"fps"`
	Bitrate     int  `yaml:"bitrate"`
	JPEGQuality int  `yaml:"jpeg_quality"`

	VideoDevice string `yaml:"video_device"`
	VideoFile   string `yaml:"video_file"`

	StatusAddr  string `yaml:"status_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	ConfigFile  string `yaml:"-"`
}

// UseMiddleware reports whether the gateway deploy flow is configured.
func (c *Config) UseMiddleware() bool { return c.MiddlewareAddress != "" }

// BindFlags fills the config with environment defaults and registers
// the command line flags on fs.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = GetEnv("CONFIG_FILE", defaultConfigPath())
	c.LogLevel = GetEnv("LOG_LEVEL", "info")

	c.NetAppURL = GetEnv("NETAPP_URL", "ws://127.0.0.1:5896")
	c.MiddlewareAddress = GetEnv("MIDDLEWARE_ADDRESS", "")
	c.MiddlewareUser = GetEnv("MIDDLEWARE_USER", "")
	c.MiddlewarePassword = GetEnv("MIDDLEWARE_PASSWORD", "")
	c.TaskID = GetEnv("MIDDLEWARE_TASK_ID", "")
	c.RobotID = GetEnv("MIDDLEWARE_ROBOT_ID", "")
	c.ResourceLock = envBool("RESOURCE_LOCK", false)

	c.ClientID = GetEnv("CLIENT_ID", "")
	c.Reconnect = envBool("RECONNECT", false)
	c.HeartbeatInterval = envDuration("HEARTBEAT_INTERVAL", 20*time.Second)
	c.QueueSize = envInt("QUEUE_SIZE", 5)
	c.WaitTimeout = envDuration("WAIT_TIMEOUT", 30*time.Second)

	c.H264 = envBool("H264", false)
	c.Width = envInt("WIDTH", 640)
	c.Height = envInt("HEIGHT", 480)
	c.FPS = envInt("FPS", 30)
	c.Bitrate = envInt("BITRATE", 2048)
	c.JPEGQuality = envInt("JPEG_QUALITY", 90)

	c.VideoDevice = GetEnv("VIDEO_DEVICE", "")
	c.VideoFile = GetEnv("VIDEO_FILE", "")

	c.StatusAddr = GetEnv("STATUS_ADDR", "")
	mp := GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp

	fs.StringVar(&c.NetAppURL, "netapp-url", c.NetAppURL, "service websocket URL; ignored when the middleware deploys the service")
	fs.StringVar(&c.MiddlewareAddress, "middleware-address", c.MiddlewareAddress, "middleware gateway host; empty connects to --netapp-url directly")
	fs.StringVar(&c.MiddlewareUser, "middleware-user", c.MiddlewareUser, "middleware login id")
	fs.StringVar(&c.MiddlewarePassword, "middleware-password", c.MiddlewarePassword, "middleware login password")
	fs.StringVar(&c.TaskID, "task-id", c.TaskID, "middleware task to deploy")
	fs.StringVar(&c.RobotID, "robot-id", c.RobotID, "robot identifier announced to the service")
	fs.BoolVar(&c.ResourceLock, "resource-lock", c.ResourceLock, "keep deployed resources reserved between sessions")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "client identifier; randomly generated if omitted")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to the service on connection loss")
	fs.BoolVar(&c.Reconnect, "r", c.Reconnect, "short for --reconnect")
	fs.Var(&c.HeartbeatInterval, "heartbeat-interval", "websocket ping period (negative disables)")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "outbound message queue capacity")
	fs.Var(&c.WaitTimeout, "wait-timeout", "how long to wait for the service to accept connections (0 for a single attempt, negative to wait indefinitely)")
	fs.BoolVar(&c.H264, "h264", c.H264, "stream H.264 instead of JPEG stills")
	fs.IntVar(&c.Width, "width", c.Width, "stream width in pixels")
	fs.IntVar(&c.Height, "height", c.Height, "stream height in pixels")
	fs.IntVar(&c.FPS, "fps", c.FPS, "stream frame rate")
	fs.IntVar(&c.Bitrate, "bitrate", c.Bitrate, "H.264 bitrate in kbit/s")
	fs.IntVar(&c.JPEGQuality, "jpeg-quality", c.JPEGQuality, "JPEG quality (1-100)")
	fs.StringVar(&c.VideoDevice, "video-device", c.VideoDevice, "V4L2 capture device (e.g. /dev/video0); empty uses the test pattern")
	fs.StringVar(&c.VideoFile, "video-file", c.VideoFile, "video file to stream instead of a capture device")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status; e.g. 127.0.0.1:4555)")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty; e.g. 127.0.0.1:9090 or 9090)")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
}

// LoadFile populates the config from a YAML file. Fields already set
// remain unless overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return resolveConfigPath(runtime.GOOS, home, programData, "client.yaml")
}

// resolveConfigPath constructs the config file path for the given OS
// and base directories. Split out for tests.
func resolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "era5g", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "era5g", name)
	default:
		return filepath.Join("/etc", "era5g", name)
	}
}
