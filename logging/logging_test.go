package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "json", config: Config{Level: "info", Format: "json", Output: "stdout"}},
		{name: "text", config: Config{Level: "debug", Format: "text", Output: "stderr"}},
		{name: "defaults", config: Config{}},
		{name: "invalid level", config: Config{Level: "verbose"}, wantErr: true},
		{name: "invalid format", config: Config{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Component("engine"))
			assert.NoError(t, logger.Close())
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, err := New(Config{Output: path})
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, logger.Close())
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("trace")
	assert.Error(t, err)
}

func TestLogCollector_Bounded(t *testing.T) {
	c := NewLogCollector(3, 0)
	for i := range 5 {
		c.AddLog("e1", LogEntry{Message: fmt.Sprintf("m%d", i)})
	}
	c.AddLog("e2", LogEntry{Message: "other"})

	logs := c.GetLogs("e1")
	require.Len(t, logs, 3)
	assert.Equal(t, "m2", logs[0].Message)
	assert.Equal(t, "m4", logs[2].Message)
	assert.Equal(t, 2, c.Dropped("e1"))
	assert.Equal(t, []string{"e1", "e2"}, c.Keys())

	logs[0].Message = "modified"
	assert.Equal(t, "m2", c.GetLogs("e1")[0].Message)

	c.Forget("e1")
	assert.Nil(t, c.GetLogs("e1"))
	assert.Zero(t, c.Dropped("e1"))
	assert.Equal(t, []string{"e2"}, c.Keys())
}

func TestLogCollector_DefaultLimit(t *testing.T) {
	c := NewLogCollector(0, 0)
	assert.Equal(t, DefaultMaxEntries, c.maxEntries)
	assert.Equal(t, DefaultMaxKeys, c.maxKeys)
}

func TestLogCollector_EvictsOldestKey(t *testing.T) {
	c := NewLogCollector(0, 2)
	c.AddLog("e1", LogEntry{Message: "a"})
	c.AddLog("e2", LogEntry{Message: "b"})
	c.AddLog("e1", LogEntry{Message: "c"})
	c.AddLog("e3", LogEntry{Message: "d"})

	assert.Equal(t, []string{"e2", "e3"}, c.Keys())
	assert.Nil(t, c.GetLogs("e1"))

	c.Forget("e2")
	c.AddLog("e4", LogEntry{Message: "e"})
	assert.Equal(t, []string{"e3", "e4"}, c.Keys())
}

func TestLogCollector_Concurrent(t *testing.T) {
	c := NewLogCollector(10_000, 0)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				c.AddLog(fmt.Sprintf("e%d", i%5), LogEntry{Message: fmt.Sprintf("%d-%d", i, j)})
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, k := range c.Keys() {
		total += len(c.GetLogs(k))
	}
	assert.Equal(t, 1000, total)
}

func TestCapturingHandler(t *testing.T) {
	c := NewLogCollector(0, 0)
	var buf bytes.Buffer
	underlying := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(NewCapturingHandler(underlying, c, "e1"))

	logger.Debug("captured only")
	logger.With("step", "send_email").Info("attempt failed",
		"attempt", 2,
		"error", errors.New("smtp timeout"),
		"duration", 1500*time.Millisecond,
	)
	logger.WithGroup("activity").Warn("slow", "ms", 900)

	logs := c.GetLogs("e1")
	require.Len(t, logs, 3)

	assert.Equal(t, "DEBUG", logs[0].Level)
	assert.NotContains(t, buf.String(), "captured only")

	assert.Equal(t, "attempt failed", logs[1].Message)
	assert.Equal(t, "send_email", logs[1].Attributes["step"])
	assert.Equal(t, int64(2), logs[1].Attributes["attempt"])
	assert.Equal(t, "smtp timeout", logs[1].Attributes["error"])
	assert.Equal(t, "1.5s", logs[1].Attributes["duration"])
	assert.Contains(t, buf.String(), "attempt failed")

	assert.Equal(t, int64(900), logs[2].Attributes["activity.ms"])
}

func TestCapturingHandler_GroupAttrs(t *testing.T) {
	c := NewLogCollector(0, 0)
	logger := slog.New(NewCapturingHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), c, "e1"))

	logger.Info("grouped", slog.Group("tenant", "id", "acme", "tier", "pro"))

	logs := c.GetLogs("e1")
	require.Len(t, logs, 1)
	assert.Equal(t, map[string]any{"id": "acme", "tier": "pro"}, logs[0].Attributes["tenant"])
}

func TestCapturingLoggerHook(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	hook := NewCapturingLoggerHook(NewLogCollector(0, 0))

	hook.LoggerFor(base, "e1").Info("first")
	hook.LoggerFor(base, "e2").Info("second")
	hook.LoggerFor(base, "e1").Info("third")

	assert.Len(t, hook.Collector().GetLogs("e1"), 2)
	assert.Len(t, hook.Collector().GetLogs("e2"), 1)

	assert.Same(t, base, PassthroughHook{}.LoggerFor(base, "e1"))
}
