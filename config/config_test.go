package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		expected    Config
		expectedErr error
	}{
		{
			name:     "defaults apply when nothing is set",
			vars:     map[string]string{},
			expected: Default(),
		},
		{
			name: "every variable is read",
			vars: map[string]string{
				"IAMA_LOG_FILE":          "/tmp/iama.log",
				"IAMA_LOG_LEVEL":         "DEBUG",
				"IAMA_CONCURRENCY":       "8",
				"IAMA_MAX_MESSAGE_BYTES": "1024",
				"IAMA_STRICT_LIFECYCLE":  "false",
				"IAMA_METRICS_ADDR":      "127.0.0.1:9464",
				"IAMA_SERVER_NAME":       "iama",
			},
			expected: Config{
				LogFile:         "/tmp/iama.log",
				LogLevel:        slog.LevelDebug,
				Concurrency:     8,
				MaxMessageBytes: 1024,
				StrictLifecycle: false,
				MetricsAddr:     "127.0.0.1:9464",
				ServerName:      "iama",
			},
		},
		{
			name:        "concurrency must be positive",
			vars:        map[string]string{"IAMA_CONCURRENCY": "0"},
			expectedErr: ErrInvalidConcurrency,
		},
		{
			name:        "message size must be positive",
			vars:        map[string]string{"IAMA_MAX_MESSAGE_BYTES": "-1"},
			expectedErr: ErrInvalidMaxMessageBytes,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := LoadFrom(test.vars)
			if test.expectedErr != nil {
				assert.ErrorIs(t, err, test.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, cfg)
		})
	}
}

func TestLoadFromRejectsBadValues(t *testing.T) {
	_, err := LoadFrom(map[string]string{"IAMA_CONCURRENCY": "lots"})
	assert.ErrorContains(t, err, "parse env")
}
