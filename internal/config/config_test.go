package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, "log", cfg.NotifyBackend)
	assert.Equal(t, 1, cfg.OperatorMaxSessions)
	assert.Equal(t, 72*time.Hour, cfg.ClosedRetention)
	assert.Zero(t, cfg.WaitingTTL)
	assert.Empty(t, cfg.OperatorIDs)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", " MySQL ")
	t.Setenv("QUEUE_BACKEND", "Redis")
	t.Setenv("OPERATOR_IDS", "1001, 1002,,")
	t.Setenv("OPERATOR_MAX_SESSIONS", "0")
	t.Setenv("WAITING_TTL", "15m")
	t.Setenv("WORKER_CONCURRENCY", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, []string{"1001", "1002"}, cfg.OperatorIDs)
	assert.Equal(t, 1, cfg.OperatorMaxSessions)
	assert.Equal(t, 15*time.Minute, cfg.WaitingTTL)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}
