package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerConfig_Complete(t *testing.T) {
	config := ServerConfig{
		Port:            DefaultPort,
		PollingInterval: DefaultPollingInterval,
		DeadMargin:      DefaultDeadMargin,
		MethodRetention: DefaultMethodRetention,
		MysqlHost:       "127.0.0.1:3306",
	}

	valid := config
	assert.NoError(t, valid.Complete())
	assert.Equal(t, DefaultMethodSweepLag, valid.MethodSweepLag)
	assert.Equal(t, DefaultGCInterval, valid.GCInterval)

	configCopy := config
	configCopy.Port = 80
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.PollingInterval = 10 * time.Second
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.DeadMargin = -time.Minute
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.MethodRetention = time.Hour
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.GCInterval = 10 * time.Second
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.GCInterval = 5 * time.Minute
	configCopy.MethodSweepLag = time.Hour
	assert.NoError(t, configCopy.Complete())
	assert.Equal(t, 5*time.Minute, configCopy.GCInterval)
	assert.Equal(t, time.Hour, configCopy.MethodSweepLag)
}

func TestServerConfig_String(t *testing.T) {
	config := ServerConfig{Port: DefaultPort, MysqlHost: "127.0.0.1:3306"}
	assert.Contains(t, config.String(), "127.0.0.1:3306")
}
