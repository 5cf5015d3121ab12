package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, doc string) Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("redis_addr", "localhost:6379")
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadYAML(t, "")

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 2*time.Minute, cfg.ClaimTTL)
	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, []string{"category", "details", "developer", "similar"}, cfg.KindNames())
	assert.Len(t, cfg.Follow, 2)
	assert.Nil(t, cfg.KafkaBrokerList())
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg := loadYAML(t, `
kafka_brokers: "k1:9092, k2:9092"
kinds:
  book: "https://books.example/{target}"
fields:
  book:
    author: ".author"
follow:
  - kind: book
    pattern: '/b/([0-9]+)'
`)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())
	assert.Equal(t, []string{"book"}, cfg.KindNames())
	assert.Equal(t, ".author", cfg.Fields["book"]["author"])
	require.Len(t, cfg.Follow, 1)
	assert.Equal(t, "book", cfg.Follow[0].Kind)

	reg, err := cfg.Extractors()
	require.NoError(t, err)
	assert.Equal(t, []string{"book"}, reg.Kinds())
}

func TestValidate_TimingRelationships(t *testing.T) {
	cfg := loadYAML(t, "")

	cfg.FetchTimeout = cfg.ClaimTTL
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch_timeout")

	cfg = loadYAML(t, "")
	cfg.RenewInterval = cfg.LeaseTTL
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renew_interval")
}

func TestValidate_DemotionBeforeLeaseExpiry(t *testing.T) {
	cfg := loadYAML(t, "")
	cfg.LeaseTTL = 15 * time.Second
	cfg.RenewInterval = 10 * time.Second
	cfg.MaxMissedRenewals = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_missed_renewals * renew_interval")

	cfg.RenewInterval = 5 * time.Second
	require.NoError(t, cfg.Validate())

	cfg.MaxMissedRenewals = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_missed_renewals must be >= 1")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	for _, key := range []string{"redis_addr", "lease_ttl", "claim_ttl", "batch_size", "concurrency", "kind"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate_FollowNeedsKnownKind(t *testing.T) {
	cfg := loadYAML(t, "")
	cfg.Follow = append(cfg.Follow, FollowConfig{Kind: "reviews", Pattern: `r=(\d+)`})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"reviews"`)
}

func TestExtractors_RejectsBadRule(t *testing.T) {
	cfg := loadYAML(t, "")
	cfg.Follow = []FollowConfig{{Kind: "details", Pattern: "no-group"}}
	_, err := cfg.Extractors()
	require.Error(t, err)
}
