//go:build linux

package main

import (
	"testing"

	"github.com/Meesho/BharatMLStack/directio/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupAppliesLogLevelFromEnv(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	t.Setenv("APP_LOG_LEVEL", "ERROR")
	t.Setenv("APP_NAME", "aiotest")
	t.Setenv("AIO_BACKEND", "goroutines")

	setup()

	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	assert.Equal(t, "aiotest", config.Instance().AppName)
}
