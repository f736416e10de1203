package observability

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lineRe = regexp.MustCompile(`^[A-Z]+ : \d{2}:\d{2}:\d{2} \| .+$`)

func TestNewLoggerWritesExpectedLineFormat(t *testing.T) {
	dir := t.TempDir()

	log, err := NewLogger("obs", dir, "info")
	require.NoError(t, err)
	log.Info("starting up")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "obs_service.log"))
	require.NoError(t, err)
	assert.Regexp(t, lineRe, string(data))
	assert.Contains(t, string(data), "INFO : ")
	assert.Contains(t, string(data), "starting up")
}

func TestNewLoggerCreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	_, err := NewLogger("upload", dir, "debug")
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "upload_service.log"))
	assert.NoError(t, statErr)
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("debug").String())
	assert.Equal(t, "warn", parseLevel("warn").String())
	assert.Equal(t, "error", parseLevel("error").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
