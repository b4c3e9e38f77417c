package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/serialmux"
	"github.com/banshee-data/kserial/internal/stream"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, stream.DefaultBufferCapacity, cfg.GetBufferCapacity())
	assert.Equal(t, 1000, cfg.GetHistoryCapacity())
	assert.Equal(t, 0.0, cfg.GetTimeUnit())
	assert.True(t, cfg.GetLossDetection())
	assert.Equal(t, 0.1, cfg.GetSmoothing())
	assert.Equal(t, ingest.OverflowDrop, cfg.GetOverflowPolicy())
	assert.Equal(t, 10*time.Second, cfg.GetStatsInterval())
	assert.Equal(t, "/dev/rfcomm0", cfg.GetPort())
	assert.Equal(t, serialmux.DefaultReadSize, cfg.GetReadSize())
	assert.Equal(t, "kserial.db", cfg.GetDBPath())
	assert.Equal(t, "", cfg.GetJSONLPath())
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, DeviceConfig{}, cfg.GetDevice())

	serial := cfg.GetSerial()
	assert.Equal(t, serialmux.DefaultBaudRate, serial.BaudRate)
	assert.Equal(t, "N", serial.Parity)
}

func TestExplicitEmptyDBPathDisablesPersistence(t *testing.T) {
	cfg := &Config{DBPath: ptrString("")}
	assert.Equal(t, "", cfg.GetDBPath())
}

func TestStreamConfig(t *testing.T) {
	cfg := &Config{
		BufferCapacity:  ptrInt(4096),
		HistoryCapacity: ptrInt(10),
		TimeUnit:        ptrFloat64(0.001),
		LossDetection:   ptrBool(false),
	}
	got := cfg.StreamConfig()
	assert.Equal(t, stream.Config{
		BufferCapacity:  4096,
		HistoryCapacity: 10,
		TimeUnit:        0.001,
		LossDetection:   false,
	}, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero buffer", Config{BufferCapacity: ptrInt(0)}, "buffer_capacity"},
		{"huge buffer", Config{BufferCapacity: ptrInt(MaxBufferCapacity + 1)}, "buffer_capacity"},
		{"buffer smaller than a max frame", Config{BufferCapacity: ptrInt(64)}, "buffer_capacity"},
		{"buffer one short of a max frame", Config{BufferCapacity: ptrInt(MinBufferCapacity - 1)}, "buffer_capacity"},
		{"buffer holds a max frame", Config{BufferCapacity: ptrInt(MinBufferCapacity)}, ""},
		{"negative history", Config{HistoryCapacity: ptrInt(-1)}, "history_capacity"},
		{"negative time unit", Config{TimeUnit: ptrFloat64(-0.5)}, "time_unit"},
		{"smoothing above one", Config{Smoothing: ptrFloat64(1.5)}, "smoothing"},
		{"unknown policy", Config{OverflowPolicy: ptrString("explode")}, "overflow policy"},
		{"bad interval", Config{StatsInterval: ptrString("soon")}, "stats_interval"},
		{"negative interval", Config{StatsInterval: ptrString("-1s")}, "stats_interval"},
		{"zero read size", Config{ReadSize: ptrInt(0)}, "read_size"},
		{"bad stop bits", Config{Serial: &serialmux.PortOptions{StopBits: 3}}, "serial"},
		{"zero history ok", Config{HistoryCapacity: ptrInt(0)}, ""},
		{"reset policy ok", Config{OverflowPolicy: ptrString("reset")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetStatsIntervalFallsBackOnGarbage(t *testing.T) {
	cfg := &Config{StatsInterval: ptrString("nope")}
	assert.Equal(t, 10*time.Second, cfg.GetStatsInterval())

	cfg.StatsInterval = ptrString("250ms")
	assert.Equal(t, 250*time.Millisecond, cfg.GetStatsInterval())
}

func TestLoadConfigPartial(t *testing.T) {
	path := writeConfig(t, "partial.json", `{
		"history_capacity": 42,
		"overflow_policy": "stop",
		"device": {"check_on_start": true, "update_rate": 200}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.GetHistoryCapacity())
	assert.Equal(t, ingest.OverflowStop, cfg.GetOverflowPolicy())
	assert.Equal(t, stream.DefaultBufferCapacity, cfg.GetBufferCapacity())

	dev := cfg.GetDevice()
	require.NotNil(t, dev.CheckOnStart)
	assert.True(t, *dev.CheckOnStart)
	require.NotNil(t, dev.UpdateRate)
	assert.Equal(t, uint32(200), *dev.UpdateRate)
	assert.Nil(t, dev.Mode)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", "{}")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".json extension")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stat")
	})

	t.Run("too large", func(t *testing.T) {
		body := `{"port": "` + strings.Repeat("x", 1024*1024) + `"}`
		path := writeConfig(t, "big.json", body)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("malformed", func(t *testing.T) {
		path := writeConfig(t, "bad.json", "{")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, "invalid.json", `{"smoothing": 3}`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)

	empty := &Config{}
	assert.Equal(t, empty.GetBufferCapacity(), cfg.GetBufferCapacity())
	assert.Equal(t, empty.GetHistoryCapacity(), cfg.GetHistoryCapacity())
	assert.Equal(t, empty.GetSmoothing(), cfg.GetSmoothing())
	assert.Equal(t, empty.GetStatsInterval(), cfg.GetStatsInterval())
	assert.Equal(t, empty.GetPort(), cfg.GetPort())
	assert.Equal(t, empty.GetReadSize(), cfg.GetReadSize())
	assert.Equal(t, empty.GetDBPath(), cfg.GetDBPath())
	assert.Equal(t, empty.GetListen(), cfg.GetListen())
	assert.True(t, empty.GetSerial().Equal(cfg.GetSerial()))
}

func TestLoadExampleConfigFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "kserial.example.json"))
	require.NoError(t, err)
	assert.Equal(t, 921600, cfg.GetSerial().BaudRate)
	assert.Equal(t, ingest.OverflowReset, cfg.GetOverflowPolicy())
	assert.Equal(t, "packets.jsonl", cfg.GetJSONLPath())
}
