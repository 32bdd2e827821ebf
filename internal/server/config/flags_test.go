package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected  *Config
		name      string
		args      []string
		expectErr bool
	}{
		{
			name: "all flags",
			args: []string{"cmd",
				"-a", "127.0.0.1:9090", "-g", ":6000", "-d", "db", "-s", "secret", "-k", "enc",
				"-m", "imap", "-i", "15s", "-n", "2", "-l", "debug", "-f", "zap",
			},
			expected: &Config{
				HTTPAddr:         "127.0.0.1:9090",
				GRPCAddr:         ":6000",
				DatabaseDSN:      "db",
				JWTSecret:        "secret",
				EncryptionSecret: "enc",
				MailProvider:     "imap",
				PollInterval:     15 * time.Second,
				PollConcurrency:  2,
				LogLevel:         "debug",
				LogFormat:        "zap",
			},
		},
		{
			name:     "foreign flags are ignored",
			args:     []string{"cmd", "-c", "conf.json", "-x", "1", "-a", ":1"},
			expected: &Config{HTTPAddr: ":1"},
		},
		{
			name:      "bad duration",
			args:      []string{"cmd", "-i", "soon"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			config := &Config{}
			err := parseFlags(config)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}
