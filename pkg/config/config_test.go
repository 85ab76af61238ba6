package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateLimitOverrides(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]BucketPolicy
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  map[string]BucketPolicy{},
		},
		{
			name:  "single bucket",
			input: "login=5/1m/5",
			want: map[string]BucketPolicy{
				"login": {Events: 5, Window: time.Minute, Burst: 5},
			},
		},
		{
			name:  "multiple buckets with spaces",
			input: "login=10/1m/10, start-scan=10/1h/10",
			want: map[string]BucketPolicy{
				"login":      {Events: 10, Window: time.Minute, Burst: 10},
				"start-scan": {Events: 10, Window: time.Hour, Burst: 10},
			},
		},
		{
			name:    "missing equals",
			input:   "login:5/1m/5",
			wantErr: true,
		},
		{
			name:    "missing burst",
			input:   "login=5/1m",
			wantErr: true,
		},
		{
			name:    "zero events",
			input:   "login=0/1m/5",
			wantErr: true,
		},
		{
			name:    "negative window",
			input:   "login=5/-1m/5",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRateLimitOverrides(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := &Config{
		ArtifactRoot:       t.TempDir(),
		DataDir:            t.TempDir(),
		MaxParallelWorkers: 5,
		DefaultChunkSize:   4,
		QueueCapacity:      1024,
		ChunkTimeout:       8 * time.Minute,
		ScanTimeout:        30 * time.Minute,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_signing_secret")

	cfg.TokenSigningSecret = "short"
	assert.Error(t, cfg.Validate())

	cfg.TokenSigningSecret = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	base := func() *Config {
		return &Config{
			TokenSigningSecret: "0123456789abcdef0123456789abcdef",
			ArtifactRoot:       t.TempDir(),
			DataDir:            t.TempDir(),
			MaxParallelWorkers: 5,
			DefaultChunkSize:   4,
			QueueCapacity:      1024,
			ChunkTimeout:       time.Minute,
			ScanTimeout:        time.Minute,
		}
	}

	cfg := base()
	cfg.MaxParallelWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.DefaultChunkSize = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ChunkTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ArtifactRoot = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxParallelWorkers)
	assert.Equal(t, 8*time.Minute, cfg.ChunkTimeout)
	assert.Equal(t, 30*time.Minute, cfg.ScanTimeout)
	assert.Equal(t, 4, cfg.DefaultChunkSize)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 24*time.Hour, cfg.TokenLifetime)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
}
