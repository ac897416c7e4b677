package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ticketflow")

	cfg, err := Load(nil)

	require.NoError(t, err)
	assert.Equal(t, BusRabbitMQ, cfg.Bus.Kind)
	assert.Equal(t, "tickets", cfg.Bus.Exchange)
	assert.Equal(t, []string{"notifications", "metrics"}, cfg.Bus.Queues)
	assert.Equal(t, "ticket.#", cfg.Bus.Binding)
	assert.Equal(t, LockPostgres, cfg.Lock.Backend)
	assert.Equal(t, LogZerolog, cfg.Logger.Backend)
	assert.Equal(t, MetricsPrometheus, cfg.Metrics.Backend)
	assert.Equal(t, DefaultLockKey, cfg.Outbox.LockKey)
	assert.Equal(t, RepositoryPgx, cfg.Outbox.Repository)

	s := cfg.OutboxSettings()
	assert.True(t, s.EnableDispatcher)
	assert.Equal(t, outbox.DefaultPollingInterval, s.PollingInterval)
	assert.Equal(t, outbox.DefaultBatchSize, s.BatchSize)
	assert.Equal(t, outbox.DefaultMaxAttempts, s.MaxAttempts)
	assert.Equal(t, outbox.DefaultMaxErrorLength, s.MaxErrorLength)
	assert.Equal(t, outbox.DefaultClaimTTL, s.ClaimTTL)
}

func TestLoadPrecedence(t *testing.T) {
	envFile := writeEnvFile(t, `
DATABASE_URL=postgres://dotenv/ticketflow
OUTBOX_BATCH_SIZE=20
OUTBOX_POLLING_INTERVAL=2s
BUS=kafka
LOG_LEVEL=debug
`)
	t.Setenv("OUTBOX_BATCH_SIZE", "30")
	t.Setenv("AMQP_QUEUES", "audit, notifications ,")

	cfg, err := Load([]string{"--bus", "rabbitmq", "--lock-key", "7", "--repository", "gorm"}, envFile)

	require.NoError(t, err)
	assert.Equal(t, "postgres://dotenv/ticketflow", cfg.DatabaseURL)
	// environment beats .env
	assert.Equal(t, 30, cfg.Outbox.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Outbox.PollingInterval)
	// flags beat both
	assert.Equal(t, BusRabbitMQ, cfg.Bus.Kind)
	assert.Equal(t, int64(7), cfg.Outbox.LockKey)
	assert.Equal(t, RepositoryGorm, cfg.Outbox.Repository)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, []string{"audit", "notifications"}, cfg.Bus.Queues)
}

func TestLoadErrors(t *testing.T) {
	type args struct {
		env  map[string]string
		args []string
	}
	testcases := []struct {
		name       string
		args       args
		wantErrMsg string
	}{
		{
			name:       "missing database url",
			args:       args{env: map[string]string{}},
			wantErrMsg: "DATABASE_URL is required",
		},
		{
			name: "unknown backends",
			args: args{
				env:  map[string]string{"DATABASE_URL": "postgres://x", "BUS": "nats", "LOCK_BACKEND": "etcd", "OUTBOX_REPOSITORY": "mongo"},
				args: []string{"--log-backend", "logrus", "--metrics-backend", "statsd"},
			},
			wantErrMsg: "unknown outbox repository \"mongo\"\nunknown bus \"nats\"\nunknown lock backend \"etcd\"\nunknown log backend \"logrus\"\nunknown metrics backend \"statsd\"",
		},
		{
			name: "unknown flag",
			args: args{
				env:  map[string]string{"DATABASE_URL": "postgres://x"},
				args: []string{"--nope"},
			},
			wantErrMsg: "unknown flag: --nope",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tc.args.env {
				t.Setenv(k, v)
			}
			_, err := Load(tc.args.args)
			assert.EqualError(t, err, tc.wantErrMsg)
		})
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "reading env files")
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "many")
	t.Setenv("OUTBOX_CLAIM_TTL", "soon")

	cfg, err := Load(nil)

	require.NoError(t, err)
	assert.Equal(t, outbox.DefaultMaxAttempts, cfg.Outbox.MaxAttempts)
	assert.Equal(t, outbox.DefaultClaimTTL, cfg.Outbox.ClaimTTL)
}
