package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, JSON: true})
	require.NotNil(t, logger)

	t.Run("Levels", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug msg")
		assert.Contains(t, buf.String(), "debug msg")

		buf.Reset()
		logger.Error("error msg")
		assert.Contains(t, buf.String(), "error msg")
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		assert.Equal(t, LevelError, logger.GetLevel())

		buf.Reset()
		logger.Info("should not appear")
		assert.Zero(t, buf.Len())

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponentSharesLevel", func(t *testing.T) {
		buf.Reset()
		l := logger.WithComponent("cleanup")
		l.Info("msg")
		assert.Contains(t, buf.String(), `"component":"cleanup"`)

		logger.SetLevel(LevelError)
		buf.Reset()
		l.Info("hidden")
		assert.Zero(t, buf.Len(), "child logger should follow parent level")
		logger.SetLevel(LevelDebug)
	})

	t.Run("Audit", func(t *testing.T) {
		buf.Reset()
		logger.Audit("rule.create", "203.0.113.7", map[string]any{"rule_id": "r1"})

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, true, line["audit"])
		assert.Equal(t, "rule.create", line["action"])
		assert.Equal(t, "r1", line["rule_id"])
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Level: LevelInfo, Output: &buf}).Info("hello", "ip", "198.51.100.1")
	assert.True(t, strings.Contains(buf.String(), "ip=198.51.100.1"))
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	l.Audit("x", "y", nil)
}
