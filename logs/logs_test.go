package logs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, logging.INFO, level)

	level, err = ParseLevel(" Debug ")
	require.NoError(t, err)
	assert.Equal(t, logging.DEBUG, level)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestSetupWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "telechat.log")

	closer, err := Setup(Options{Level: "warning", File: file, Console: &console})
	require.NoError(t, err)

	log := logging.MustGetLogger("logs-test")
	log.Info("filtered out")
	log.Warning("disk almost full")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "disk almost full")
	assert.NotContains(t, console.String(), "filtered out")

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "[logs-test]"), "file log: %s", raw)
	assert.Contains(t, string(raw), "disk almost full")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup(Options{Level: "loud"})
	assert.Error(t, err)
}
