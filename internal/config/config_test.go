package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/blockscan/internal/domain/scan"
)

var today = time.Date(2024, 5, 31, 15, 4, 5, 0, time.UTC)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, today)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, scan.DefaultJobName, cfg.Job)
	assert.Equal(t, scan.DefaultMarker, cfg.Marker)
	assert.Equal(t, "2024-05-31", cfg.DateBefore)
	assert.Equal(t, "2024-05-01", cfg.DateAfter)
	assert.Equal(t, scan.DefaultBatchSize, cfg.Batch)
	assert.False(t, cfg.Dev)
	assert.Zero(t, cfg.Timeout)
	assert.Equal(t, scan.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, DriverSQLite, cfg.Records.Driver)
	assert.Equal(t, "blockscan.db", cfg.Checkpoint.DSN)
	assert.Equal(t, SinkConsole, cfg.Sink)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FlagsOverrideEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
job: from-file
batch: 500
records:
  driver: postgres
  dsn: postgres://file
retry:
  max_retries: 2
  initial_delay: 250ms
`), 0o600))

	t.Setenv("BLOCKSCAN_BATCH", "700")
	t.Setenv("BLOCKSCAN_RECORDS_DSN", "postgres://env")

	cfg, err := Load([]string{"--config", path, "--batch", "900", "--dev"}, today)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Job)
	assert.Equal(t, 900, cfg.Batch)
	assert.True(t, cfg.Dev)
	assert.Equal(t, DriverPostgres, cfg.Records.Driver)
	assert.Equal(t, "postgres://env", cfg.Records.DSN)
	assert.Equal(t, scan.Policy{InitialDelay: 250 * time.Millisecond, MaxRetries: 2}, cfg.Policy())
	assert.Equal(t, "blockscan.db", cfg.Checkpoint.DSN, "sqlite checkpoints keep their own file")
}

func TestLoad_KafkaBrokersFromEnv(t *testing.T) {
	t.Setenv("BLOCKSCAN_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load([]string{"--sink", "both"}, today)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Help(t *testing.T) {
	_, err := Load([]string{"--help"}, today)
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := Load([]string{"--bogus"}, today)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown records driver", args: []string{"--records-driver", "mysql"}, wantErr: "Driver"},
		{name: "unknown sink", args: []string{"--sink", "stdout"}, wantErr: "Sink"},
		{name: "kafka sink without brokers", args: []string{"--sink", "kafka"}, wantErr: "kafka brokers"},
		{name: "sampling ratio out of range", args: []string{"--otel-sampling-ratio", "1.5"}, wantErr: "SamplingRatio"},
		{name: "bad log level", args: []string{"--log-level", "trace"}, wantErr: "Level"},
		{name: "badger without path", args: []string{"--checkpoint-driver", "badger", "--checkpoint-path", ""}, wantErr: "path"},
		{name: "postgres records without dsn", args: []string{"--records-driver", "postgres", "--records-dsn", ""}, wantErr: "dsn"},
		{name: "retry budget too large", args: []string{"--max-retries", "40"}, wantErr: "MaxRetries"},
		{name: "memory everywhere is fine", args: []string{"--records-driver", "memory", "--checkpoint-driver", "memory"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.args, today)
			require.NoError(t, err)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Request(t *testing.T) {
	cfg, err := Load([]string{"--date-after", "2024-01-01", "--date-before", "2024-01-31", "--batch", "10", "--post-type", "page"}, today)
	require.NoError(t, err)

	req, err := cfg.Request()
	require.NoError(t, err)
	assert.Equal(t, 10, req.BatchSize())
	assert.Equal(t, "page", req.PostType())

	cfg.Batch = 0
	_, err = cfg.Request()
	assert.ErrorIs(t, err, scan.ErrInvalidArgument)

	cfg.Batch = 10
	cfg.DateAfter = "2024-02-30"
	_, err = cfg.Request()
	assert.ErrorIs(t, err, scan.ErrInvalidArgument)
}

func TestConfig_WriteYAML(t *testing.T) {
	cfg, err := Load([]string{"--job", "nightly"}, today)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "job: nightly")
	assert.Contains(t, buf.String(), "initial_delay: 1s")
	assert.NotContains(t, buf.String(), "print_config")
}
