package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOPIC_POLICY_FILE", "")
	t.Setenv("MAX_AUDIO_BYTES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(25*1000*1000), cfg.MaxAudioBytes)
	assert.Equal(t, 10*time.Minute, cfg.CredentialCacheTTL)
	assert.Equal(t, 2, cfg.Policy(TopicTranscript).Concurrency)
	assert.Equal(t, 5, cfg.Policy(TopicEmail).Concurrency)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TOPIC_POLICY_FILE", "")
	t.Setenv("PIPELINE_TIMEOUT", "45m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("ARCHIVE_PATH_STYLE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.PipelineTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.ArchivePathStyle)
}

func TestPolicyFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.yaml")
	body := "transcript-processing:\n  concurrency: 1\n  backoff_delay: 30s\nemail-sending:\n  attempts: 8\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("TOPIC_POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	tp := cfg.Policy(TopicTranscript)
	assert.Equal(t, 1, tp.Concurrency)
	assert.Equal(t, 30*time.Second, tp.BackoffDelay)
	assert.Equal(t, 3, tp.Attempts, "untouched fields keep defaults")
	assert.Equal(t, 8, cfg.Policy(TopicEmail).Attempts)
}

func TestPolicyFileRejectsUnknownTopic(t *testing.T) {
	cfg := Config{Policies: DefaultPolicies()}
	err := cfg.ApplyPolicyYAML([]byte("image-resize:\n  concurrency: 3\n"))
	require.Error(t, err)
}
