package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sink:
  bucket: field-captures
notify:
  ntfy:
    topic: ridge-cam
`), noEnv)
	require.NoError(t, err)

	assert.Equal(t, "gcs", cfg.Sink.Kind)
	assert.Equal(t, "timelapse", cfg.Sink.Prefix)
	assert.Equal(t, "https://ntfy.sh", cfg.Notify.Ntfy.Server)
	assert.Equal(t, "Timelapse Monitor Alert", cfg.Notify.Ntfy.Title)
	assert.Equal(t, 10*time.Second, cfg.Notify.Ntfy.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Ingest.PollInterval)
	assert.Equal(t, 3, cfg.Ingest.MaxConsecutiveFailures)
	assert.Equal(t, 5, cfg.Ingest.MaxRetries)
	assert.Equal(t, 1000, cfg.Ingest.RecentCapacity)
	assert.Equal(t, 5*time.Minute, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Device.ConnectRetries)
	assert.Equal(t, 2*time.Second, cfg.Device.ConnectDelay)
	assert.Equal(t, []string{"DCIM"}, cfg.Device.MediaDirs)
	assert.Equal(t, filepath.Join(cfg.Paths.TempDir, "upload"), cfg.Paths.ScratchDir)
}

func TestParseDurationsAndLists(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  connect_delay: 500ms
  reset_command: [usbreset, "04a9"]
  extensions: [.jpg, .cr3]
sink:
  kind: s3
  bucket: captures
  s3:
    endpoint: http://minio.local:9000
    path_style: true
notify:
  kind: mqtt
  mqtt:
    broker: tcp://broker.local:1883
    qos: 1
ingest:
  poll_interval: 30s
`), noEnv)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Device.ConnectDelay)
	assert.Equal(t, []string{"usbreset", "04a9"}, cfg.Device.ResetCommand)
	assert.Equal(t, []string{".jpg", ".cr3"}, cfg.Device.Extensions)
	assert.True(t, cfg.Sink.S3.PathStyle)
	assert.Equal(t, byte(1), cfg.Notify.MQTT.QoS)
	assert.Equal(t, 30*time.Second, cfg.Ingest.PollInterval)
}

func TestParseReportsAllIssues(t *testing.T) {
	_, err := Parse([]byte(`
sink:
  kind: ftp
notify:
  sms:
    enabled: true
health:
  disk_warning_free_percent: 5
  disk_critical_free_percent: 10
`), noEnv)

	var vErr ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Contains(t, vErr.Issues, "sink.kind must be gcs or s3")
	assert.Contains(t, vErr.Issues, "sink.bucket is required")
	assert.Contains(t, vErr.Issues, "notify.ntfy.topic is required (or NTFY_TOPIC)")
	assert.Contains(t, vErr.Issues, "notify.sms.recipient is required when sms is enabled (or ADMIN_PHONE)")
	assert.Contains(t, vErr.Issues, "health.disk_warning_free_percent must be in [critical,100]")
}

func TestEnvFileAndEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(`# secrets
NTFY_TOPIC=from-file
ADMIN_PHONE=+15550100
SINK_BUCKET=file-bucket
`), 0o600))

	env := map[string]string{"NTFY_TOPIC": "from-env"}
	cfg, err := Parse([]byte("env_file: "+envFile+"\nnotify:\n  sms:\n    enabled: true\n"), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Notify.Ntfy.Topic)
	assert.Equal(t, "+15550100", cfg.Notify.SMS.Recipient)
	assert.Equal(t, "file-bucket", cfg.Sink.Bucket)
}

func TestLoadWritesTemplateWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "camrelay.yaml")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigMissing)
	assert.FileExists(t, path)

	// the template parses but still needs a bucket and a topic
	_, err = Load(path)
	var vErr ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Contains(t, vErr.Issues, "sink.bucket is required")
}
