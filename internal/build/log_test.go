package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsoleLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogging(LogConfig{}, &buf)
	require.NoError(t, err)
	defer l.Close()

	l.Logger.Debug("hidden detail")
	l.Logger.Info("record synced", "record", "c1")
	require.NotContains(t, buf.String(), "hidden detail")
	require.Contains(t, buf.String(), "record synced")
	require.Contains(t, buf.String(), "record=c1")

	require.NoError(t, l.SetLevel("DEBUG"))
	l.Logger.With("component", "sync").Debug("now visible")
	require.Contains(t, buf.String(), "now visible")
	require.Contains(t, buf.String(), "component=sync")

	require.Error(t, l.SetLevel("loud"))
}

func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	l, err := NewLogging(LogConfig{Level: "info", Dir: dir}, &console)
	require.NoError(t, err)

	l.Logger.Warn("provider slow", "op", "DraftExists")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, DefaultLogFilename))
	require.NoError(t, err)
	require.Contains(t, string(data), "provider slow")
	require.Contains(t, console.String(), "provider slow")
}
