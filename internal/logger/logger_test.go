package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewLoggerWithWriters(t *testing.T) {
	var a, b bytes.Buffer
	l := NewLoggerWithWriters(false, &a, &b)
	l.Info("inference done", zap.Int("seq", 7))
	l.Debug("hidden")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		out := buf.String()
		assert.Contains(t, out, "inference done")
		assert.Contains(t, out, `"seq": 7`)
		assert.Contains(t, out, "INFO")
		assert.NotContains(t, out, "hidden")
	}
}

func TestNewLoggerWithWriters_Debug(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerWithWriters(true, &buf).Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
