/*
 * @Author: CALM.WU
 * @Date: 2024-03-27 15:21:08
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-28 16:58:40
 */

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/clean"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/internal/tempfile"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/loader"
	"xtelemetry.calmwu/plugin_ebpf/telemetry/offsets"
)

const testConfig = `
loader:
  object_dir: /opt/xtelemetry/ebpf_loader
  page_count: 64
  poll_timeout: 500ms
  max_polls: 10

offsets:
  profile: default

recorder:
  enabled: true
  db_path: /tmp/xtelemetry-events.db

api:
  path:
    metric: /xmetrics

net:
  ip:
    assignType: ip
    value: 127.0.0.1
  port:
    api: 32123

log:
  dir: /var/log/xtelemetry
  clean_period: 30m
  reserved:
    info: 5
`

func TestInitConfig(t *testing.T) {
	tf, err := tempfile.New("xtelemetry_config_", testConfig)
	require.NoError(t, err)
	defer tf.Close()

	require.NoError(t, InitConfig(tf.Path()))

	cfg := Get()
	assert.Equal(t, "/opt/xtelemetry/ebpf_loader", cfg.Loader.ObjectDir)
	assert.Equal(t, loader.DefaultTracepointObject, cfg.Loader.TracepointObject)
	assert.Equal(t, 64, cfg.Loader.PageCount)
	assert.Equal(t, 500*time.Millisecond, cfg.Loader.PollTimeout)
	assert.Equal(t, 10, cfg.Loader.MaxPolls)
	assert.True(t, cfg.Recorder.Enabled)
	assert.Equal(t, 4096, cfg.Recorder.QueueSize)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "/xmetrics", PromMetricsPath())

	assert.Equal(t, "/var/log/xtelemetry", cfg.Log.LogDir)
	assert.Equal(t, 30*time.Minute, cfg.Log.Period)
	assert.Equal(t, 5, cfg.Log.Info)
	assert.Equal(t, 2, cfg.Log.Err)
	assert.Equal(t, []string{"xtelemetry"}, cfg.Log.FilterTags)

	bind, err := APISrvBindAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:32123", bind)

	opts, err := LoaderOptions()
	require.NoError(t, err)
	assert.Equal(t, 64, opts.PageCount)
	assert.Equal(t, offsets.DefaultProfileName, opts.ProfileName)
	assert.Equal(t, []string{offsets.DefaultProfileName}, opts.Profiles.Names())
}

func TestInitConfigDefaults(t *testing.T) {
	require.NoError(t, InitConfig(""))

	cfg := Get()
	assert.Equal(t, loader.DefaultObjectDir, cfg.Loader.ObjectDir)
	assert.Equal(t, loader.DefaultRawTracepointObject, cfg.Loader.RawTracepointObject)
	assert.Equal(t, loader.DefaultPageCount, cfg.Loader.PageCount)
	assert.Equal(t, loader.DefaultPollTimeout, cfg.Loader.PollTimeout)
	assert.Zero(t, cfg.Loader.MaxPolls)
	assert.False(t, cfg.Recorder.Enabled)
	assert.Equal(t, "/metrics", PromMetricsPath())

	bind, err := APISrvBindAddr()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:31079", bind)
}

func TestInitConfigErrors(t *testing.T) {
	assert.Error(t, InitConfig("/nonexistent/xtelemetry/config.yaml"))

	tf, err := tempfile.New("xtelemetry_config_", "offsets:\n  profile_file: /nonexistent/profiles.yaml\n")
	require.NoError(t, err)
	defer tf.Close()

	require.NoError(t, InitConfig(tf.Path()))
	_, err = LoaderOptions()
	assert.Error(t, err)
}

const retentionConfig = `
log:
  dir: %s
  clean_period: 10ms
  reserved:
    info: %d
`

func TestInitConfigReloadsRetention(t *testing.T) {
	logDir := t.TempDir()
	for i := 0; i < 4; i++ {
		path := filepath.Join(logDir, fmt.Sprintf("xtelemetry.h.u.log.INFO.2024032%d-100000.1", i))
		require.NoError(t, os.WriteFile(path, []byte("log"), 0o644))
		mt := time.Now().Add(-time.Duration(4-i) * time.Hour)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}

	tf, err := tempfile.NewIn(t.TempDir(), "xtelemetry_config_", fmt.Sprintf(retentionConfig, logDir, 3))
	require.NoError(t, err)
	defer tf.Close()

	require.NoError(t, InitConfig(tf.Path()))
	assert.Equal(t, 3, Get().Log.Info)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, clean.Start(ctx, func() clean.Options { return Get().Log }))

	logsLeft := func(n int) func() bool {
		return func() bool {
			entries, err := os.ReadDir(logDir)
			return err == nil && len(entries) == n
		}
	}
	assert.Eventually(t, logsLeft(3), 5*time.Second, 20*time.Millisecond)

	// replace the file in one step, viper must never see it half written
	next := tf.Path() + ".next"
	require.NoError(t, os.WriteFile(next, []byte(fmt.Sprintf(retentionConfig, logDir, 1)), 0o644))
	require.NoError(t, os.Rename(next, tf.Path()))

	assert.Eventually(t, func() bool { return Get().Log.Info == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, logsLeft(1), 5*time.Second, 20*time.Millisecond)
}

func Test__getIP(t *testing.T) {
	require.NoError(t, InitConfig(""))

	tests := []struct {
		name       string
		assignType string
		want       string
		wantErr    bool
	}{
		{name: "ip", assignType: "ip", want: "0.0.0.0"},
		{name: "unknown", assignType: "dhcp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := __getIP(tt.assignType)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
