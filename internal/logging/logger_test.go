package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewLoggerWritesJSON(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "log.json")
	l, err := NewLogger(Config{Level: "debug", Format: "json", OutputPaths: []string{out}})
	require.NoError(t, err)

	l.Named("sync").Info("synced", zap.String("connection_id", "c1"))
	_ = l.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	line := string(data)
	require.True(t, strings.Contains(line, `"logger":"sync"`), line)
	require.True(t, strings.Contains(line, `"connection_id":"c1"`), line)
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := NewLogger(Config{Format: "xml"})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	t.Parallel()
	require.NotNil(t, OrNop(nil))
	l := NewNoOpLogger()
	require.Same(t, l, OrNop(l))
}
