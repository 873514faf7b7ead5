package log_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internallog "github.com/usbip-go/usbipd/internal/log"
)

func TestSetupLoggerDefaultsToTextForNonFileWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := internallog.SetupLogger(internallog.Config{Level: "info"}, &buf)
	logger.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestSetupLoggerJSONForced(t *testing.T) {
	var buf bytes.Buffer
	logger := internallog.SetupLogger(internallog.Config{Level: "info", JSON: true}, &buf)
	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLevelFilterSuppressesBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	filtered := internallog.LevelFilter{Handler: base, Min: slog.LevelWarn}
	logger := slog.New(filtered)

	logger.Info("should not appear")
	logger.Warn("should appear")

	require.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestMultiHandlerFansOutToAllHandlers(t *testing.T) {
	var bufA, bufB bytes.Buffer
	multi := internallog.MultiHandler{Handlers: []slog.Handler{
		slog.NewTextHandler(&bufA, nil),
		slog.NewJSONHandler(&bufB, nil),
	}}
	logger := slog.New(multi)
	logger.Info("fanned out")

	assert.Contains(t, bufA.String(), "fanned out")
	assert.Contains(t, bufB.String(), `"msg":"fanned out"`)
}
