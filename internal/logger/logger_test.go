package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestFromContext(t *testing.T) {
	fallback := zap.NewExample()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	attached := zap.NewNop().Named("req")
	ctx := WithContext(context.Background(), attached)
	assert.Same(t, attached, FromContext(ctx, fallback))

	assert.NotNil(t, FromContext(context.Background(), nil))
}

func TestNew(t *testing.T) {
	assert.NotNil(t, New(Config{Level: "debug", Format: "console"}))
	assert.NotNil(t, New(Config{Level: "info", Format: "json"}))
}
