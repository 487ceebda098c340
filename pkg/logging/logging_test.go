package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_PrefixAndLevels(t *testing.T) {
	var got []string
	record := func(tag string) LogFunc {
		return func(format string, args ...interface{}) {
			got = append(got, tag+" "+fmt.Sprintf(format, args...))
		}
	}

	logger := NewLogger(ModulePrefix("scanmaster"), LogFuncs{
		Debugf: record("D"),
		Infof:  record("I"),
		Warnf:  record("W"),
		Errorf: record("E"),
	})

	logger.Debugf("debug %d", 1)
	logger.Infof("info %s", "x")
	logger.Warnf("warn")
	logger.Errorf("error")
	logger.LogLevelf(LogLevelInfo, "level %d", 2)

	assert.Equal(t, []string{
		"D module: scanmaster , debug 1",
		"I module: scanmaster , info x",
		"W module: scanmaster , warn",
		"E module: scanmaster , error",
		"I module: scanmaster , level 2",
	}, got)
}

func TestLogger_LogLevelFuncTakesPrecedence(t *testing.T) {
	var levels []int
	logger := NewLogger("", LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			levels = append(levels, level)
		},
		Infof: func(format string, args ...interface{}) {
			t.Fatal("Infof must not be called when LogLevelf is set")
		},
	})

	logger.Infof("a")
	logger.Errorf("b")

	assert.Equal(t, []int{LogLevelInfo, LogLevelError}, levels)
}

func TestLogger_MissingFuncsAreDropped(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLogger("p", LogFuncs{}).Warnf("nothing")
		NewNopLogger().Errorf("nothing")
	})
}

func TestZapLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanmaster.log")

	logger, err := NewZapLogger(ZapConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Debugf("debug line %d", 1)
	logger.WithFields(Session("s-1"), Int("pid", 42), Duration("elapsed", time.Second), Error(errors.New("boom"))).
		Warnf("scanner exited")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, `"msg":"debug line 1"`)
	assert.Contains(t, content, `"session_id":"s-1"`)
	assert.Contains(t, content, `"pid":42`)
	assert.Contains(t, content, `"error":"boom"`)
	assert.Equal(t, 2, strings.Count(content, "\n"))
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filtered.log")

	logger, err := NewZapLogger(ZapConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Infof("dropped")
	logger.LogLevelf(LogLevelError, "kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestZapLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config ZapConfig
	}{
		{"bad level", ZapConfig{Level: "loud"}},
		{"bad format", ZapConfig{Format: "xml"}},
		{"unwritable output", ZapConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewZapLogger(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestDefaultZapConfig(t *testing.T) {
	logger, err := NewZapLogger(DefaultZapConfig())
	require.NoError(t, err)
	logger.Debugf("not shown")
}
