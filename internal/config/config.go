package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

var ErrConfigMissing = errors.New("config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

type Config struct {
	// EnvFile holds secrets as KEY=value lines. Missing is fine.
	EnvFile string        `yaml:"env_file"`
	Device  DeviceConfig  `yaml:"device"`
	Paths   PathsConfig   `yaml:"paths"`
	Sink    SinkConfig    `yaml:"sink"`
	Notify  NotifyConfig  `yaml:"notify"`
	Power   PowerConfig   `yaml:"power"`
	Health  HealthConfig  `yaml:"health"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Host    HostConfig    `yaml:"host"`
	Log     LogConfig     `yaml:"log"`
}

type DeviceConfig struct {
	DevNode             string        `yaml:"dev_node"`
	MountPoint          string        `yaml:"mount_point"`
	MediaDirs           []string      `yaml:"media_dirs"`
	Extensions          []string      `yaml:"extensions"`
	ConnectRetries      int           `yaml:"connect_retries"`
	ConnectDelay        time.Duration `yaml:"connect_delay"`
	ResetCommand        []string      `yaml:"reset_command"`
	DeleteAfterDelivery bool          `yaml:"delete_after_delivery"`
	DeviceID            string        `yaml:"device_id"`
	Hotplug             bool          `yaml:"hotplug"`
}

type PathsConfig struct {
	TempDir    string `yaml:"temp_dir"`
	ScratchDir string `yaml:"scratch_dir"`
	BackupDir  string `yaml:"backup_dir"`
	DBPath     string `yaml:"db_path"`
}

type SinkConfig struct {
	Kind    string        `yaml:"kind"` // gcs or s3
	Bucket  string        `yaml:"bucket"`
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
	GCS     GCSConfig     `yaml:"gcs"`
	S3      S3Config      `yaml:"s3"`
}

type GCSConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

type NotifyConfig struct {
	Kind string     `yaml:"kind"` // ntfy or mqtt
	Ntfy NtfyConfig `yaml:"ntfy"`
	MQTT MQTTConfig `yaml:"mqtt"`
	SMS  SMSConfig  `yaml:"sms"`
}

type NtfyConfig struct {
	Server  string        `yaml:"server"`
	Topic   string        `yaml:"topic"`
	Title   string        `yaml:"title"`
	Tags    string        `yaml:"tags"`
	Timeout time.Duration `yaml:"timeout"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

type SMSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Device    string `yaml:"device"`
	Baud      int    `yaml:"baud"`
	Recipient string `yaml:"recipient"`
}

type PowerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	GPIORoot string `yaml:"gpio_root"`
	Pin      int    `yaml:"pin"`
}

type HealthConfig struct {
	Interval                time.Duration `yaml:"interval"`
	ErrorBackoff            time.Duration `yaml:"error_backoff"`
	DiskPath                string        `yaml:"disk_path"`
	DiskWarningFreePercent  float64       `yaml:"disk_warning_free_percent"`
	DiskCriticalFreePercent float64       `yaml:"disk_critical_free_percent"`
	ThermalPath             string        `yaml:"thermal_path"`
	TempWarningC            float64       `yaml:"temp_warning_c"`
	TempCriticalC           float64       `yaml:"temp_critical_c"`
}

type IngestConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	ErrorCooldown          time.Duration `yaml:"error_cooldown"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	MaxRetries             int           `yaml:"max_retries"`
	RecentCapacity         int           `yaml:"recent_capacity"`
}

type HostConfig struct {
	// RebootCommand replaces the reboot syscall, e.g. ["sudo", "reboot"].
	RebootCommand []string `yaml:"reboot_command"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // auto, console or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML file at path, applies defaults, overlays secrets from the
// env file and the process environment, then validates. When the file does
// not exist it writes a template and returns ErrConfigMissing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}
	return Parse(data, os.LookupEnv)
}

// Parse is Load without the filesystem lookup of the config file itself.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	env, err := readEnvFile(cfg.EnvFile)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(func(key string) (string, bool) {
		if v, ok := lookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	})

	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}
	return &cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return f.Section(ini.DefaultSection).KeysHash(), nil
}

// applyEnv lets secrets live outside the YAML file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("NTFY_TOPIC", &c.Notify.Ntfy.Topic)
	str("NTFY_SERVER", &c.Notify.Ntfy.Server)
	str("ADMIN_PHONE", &c.Notify.SMS.Recipient)
	str("MQTT_BROKER", &c.Notify.MQTT.Broker)
	str("SINK_BUCKET", &c.Sink.Bucket)
	str("GCS_CREDENTIALS", &c.Sink.GCS.CredentialsFile)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Sink.GCS.CredentialsFile)
	str("AWS_ACCESS_KEY_ID", &c.Sink.S3.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &c.Sink.S3.SecretAccessKey)
	str("AWS_REGION", &c.Sink.S3.Region)
	str("CAMERA_DEVICE_ID", &c.Device.DeviceID)
	if v, ok := lookup("UPS_PIN"); ok {
		if pin, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Power.Pin = pin
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Device.DevNode == "" {
		c.Device.DevNode = "/dev/disk/by-label/EOS_DIGITAL"
	}
	if c.Device.MountPoint == "" {
		c.Device.MountPoint = "/media/camera"
	}
	if len(c.Device.MediaDirs) == 0 {
		c.Device.MediaDirs = []string{"DCIM"}
	}
	if len(c.Device.Extensions) == 0 {
		c.Device.Extensions = []string{".jpg", ".jpeg", ".cr2", ".cr3", ".nef", ".arw", ".mp4", ".mov"}
	}
	if c.Device.ConnectRetries == 0 {
		c.Device.ConnectRetries = 3
	}
	if c.Device.ConnectDelay == 0 {
		c.Device.ConnectDelay = 2 * time.Second
	}

	if c.Paths.TempDir == "" {
		c.Paths.TempDir = "/tmp/timelapse_monitor"
	}
	if c.Paths.ScratchDir == "" {
		c.Paths.ScratchDir = filepath.Join(c.Paths.TempDir, "upload")
	}
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = "/opt/timelapse/backup"
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = "/opt/timelapse/data/timelapse.db"
	}

	if c.Sink.Kind == "" {
		c.Sink.Kind = "gcs"
	}
	if c.Sink.Prefix == "" {
		c.Sink.Prefix = "timelapse"
	}
	if c.Sink.Timeout == 0 {
		c.Sink.Timeout = 5 * time.Minute
	}

	if c.Notify.Kind == "" {
		c.Notify.Kind = "ntfy"
	}
	if c.Notify.Ntfy.Server == "" {
		c.Notify.Ntfy.Server = "https://ntfy.sh"
	}
	if c.Notify.Ntfy.Title == "" {
		c.Notify.Ntfy.Title = "Timelapse Monitor Alert"
	}
	if c.Notify.Ntfy.Tags == "" {
		c.Notify.Ntfy.Tags = "warning"
	}
	if c.Notify.Ntfy.Timeout == 0 {
		c.Notify.Ntfy.Timeout = 10 * time.Second
	}
	if c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = "camrelay"
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = "camrelay/alerts"
	}
	if c.Notify.SMS.Device == "" {
		c.Notify.SMS.Device = "/dev/ttyUSB2"
	}
	if c.Notify.SMS.Baud == 0 {
		c.Notify.SMS.Baud = 115200
	}

	if c.Power.GPIORoot == "" {
		c.Power.GPIORoot = "/sys/class/gpio"
	}
	if c.Power.Pin == 0 {
		c.Power.Pin = 17
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = 5 * time.Minute
	}
	if c.Health.ErrorBackoff == 0 {
		c.Health.ErrorBackoff = time.Minute
	}
	if c.Health.DiskPath == "" {
		c.Health.DiskPath = "/"
	}
	if c.Health.DiskWarningFreePercent == 0 {
		c.Health.DiskWarningFreePercent = 25
	}
	if c.Health.DiskCriticalFreePercent == 0 {
		c.Health.DiskCriticalFreePercent = 10
	}
	if c.Health.ThermalPath == "" {
		c.Health.ThermalPath = "/sys/class/thermal/thermal_zone0/temp"
	}
	if c.Health.TempWarningC == 0 {
		c.Health.TempWarningC = 70
	}
	if c.Health.TempCriticalC == 0 {
		c.Health.TempCriticalC = 80
	}

	if c.Ingest.PollInterval == 0 {
		c.Ingest.PollInterval = 60 * time.Second
	}
	if c.Ingest.ErrorCooldown == 0 {
		c.Ingest.ErrorCooldown = 60 * time.Second
	}
	if c.Ingest.MaxConsecutiveFailures == 0 {
		c.Ingest.MaxConsecutiveFailures = 3
	}
	if c.Ingest.MaxRetries == 0 {
		c.Ingest.MaxRetries = 5
	}
	if c.Ingest.RecentCapacity == 0 {
		c.Ingest.RecentCapacity = 1000
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Device.ConnectRetries < 1 {
		issues = append(issues, "device.connect_retries must be >= 1")
	}
	if filepath.Clean(c.Device.MountPoint) == "/" {
		issues = append(issues, "device.mount_point must not be /")
	}

	switch c.Sink.Kind {
	case "gcs":
	case "s3":
		if c.Sink.S3.Region == "" && c.Sink.S3.Endpoint == "" {
			issues = append(issues, "sink.s3.region or sink.s3.endpoint is required")
		}
	default:
		issues = append(issues, "sink.kind must be gcs or s3")
	}
	if c.Sink.Bucket == "" {
		issues = append(issues, "sink.bucket is required")
	}

	switch c.Notify.Kind {
	case "ntfy":
		if c.Notify.Ntfy.Topic == "" {
			issues = append(issues, "notify.ntfy.topic is required (or NTFY_TOPIC)")
		}
	case "mqtt":
		if c.Notify.MQTT.Broker == "" {
			issues = append(issues, "notify.mqtt.broker is required")
		}
		if c.Notify.MQTT.QoS > 2 {
			issues = append(issues, "notify.mqtt.qos must be 0, 1 or 2")
		}
	default:
		issues = append(issues, "notify.kind must be ntfy or mqtt")
	}
	if c.Notify.SMS.Enabled && c.Notify.SMS.Recipient == "" {
		issues = append(issues, "notify.sms.recipient is required when sms is enabled (or ADMIN_PHONE)")
	}

	if c.Health.DiskCriticalFreePercent <= 0 || c.Health.DiskCriticalFreePercent > 100 {
		issues = append(issues, "health.disk_critical_free_percent must be in (0,100]")
	}
	if c.Health.DiskWarningFreePercent < c.Health.DiskCriticalFreePercent || c.Health.DiskWarningFreePercent > 100 {
		issues = append(issues, "health.disk_warning_free_percent must be in [critical,100]")
	}
	if c.Health.TempWarningC > c.Health.TempCriticalC {
		issues = append(issues, "health.temp_warning_c must not exceed temp_critical_c")
	}

	if c.Ingest.PollInterval < time.Second {
		issues = append(issues, "ingest.poll_interval must be >= 1s")
	}
	if c.Ingest.MaxConsecutiveFailures < 1 {
		issues = append(issues, "ingest.max_consecutive_failures must be >= 1")
	}
	if c.Ingest.MaxRetries < 1 {
		issues = append(issues, "ingest.max_retries must be >= 1")
	}

	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		issues = append(issues, "log.format must be auto, console or json")
	}

	if c.Paths.BackupDir == c.Paths.TempDir {
		issues = append(issues, "paths.backup_dir must differ from paths.temp_dir")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# camrelay configuration\n")
	tpl.WriteString("env_file: /opt/timelapse/config/.env\n")
	tpl.WriteString("device:\n")
	tpl.WriteString("  dev_node: /dev/disk/by-label/EOS_DIGITAL\n")
	tpl.WriteString("  mount_point: /media/camera\n")
	tpl.WriteString("  # reset_command: [usbreset, \"04a9\"]\n")
	tpl.WriteString("  hotplug: true\n")
	tpl.WriteString("sink:\n")
	tpl.WriteString("  kind: gcs\n")
	tpl.WriteString("  bucket: \"\"\n")
	tpl.WriteString("  prefix: timelapse\n")
	tpl.WriteString("notify:\n")
	tpl.WriteString("  kind: ntfy\n")
	tpl.WriteString("  ntfy:\n")
	tpl.WriteString("    topic: \"\"\n")
	tpl.WriteString("  sms:\n")
	tpl.WriteString("    enabled: true\n")
	tpl.WriteString("    device: /dev/ttyUSB2\n")
	tpl.WriteString("power:\n")
	tpl.WriteString("  enabled: true\n")
	tpl.WriteString("  pin: 17\n")
	tpl.WriteString("ingest:\n")
	tpl.WriteString("  poll_interval: 60s\n")
	tpl.WriteString("  max_retries: 5\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
