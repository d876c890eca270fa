package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vaultpay/internal/config"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultpay.log")
	logger, err := New(config.LogConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("key", "abc").Info("disbursement confirmed")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"disbursement confirmed"`)
	require.Contains(t, string(raw), `"key":"abc"`)
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	require.Error(t, err)

	_, err = New(config.LogConfig{Level: "info", Format: "xml"})
	require.Error(t, err)

	logger, err := New(config.LogConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	require.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
