// Package config holds the typed configuration of crawlkeeper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/soheilrt/play-scraper/internal/extract"
)

// FollowConfig is one follow rule as written in the config file.
type FollowConfig struct {
	Kind    string `mapstructure:"kind" yaml:"kind"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
}

// Config holds typed configuration for every crawlkeeper command.
type Config struct {
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	WorkerID          string
	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	AcquireAttempts   int
	AcquireBaseDelay  time.Duration
	MaxMissedRenewals int
	ClaimTTL          time.Duration
	BatchSize         int
	Concurrency       int
	RetryCeiling      int
	FetchTimeout      time.Duration
	PollInterval      time.Duration
	DrainGrace        time.Duration
	ExitOnDemotion    bool
	ResultTTL         time.Duration

	OperatorAddr string
	OTelEndpoint string
	PostgresDSN  string

	KafkaBrokers string
	ResultsTopic string
	SeedsTopic   string
	SeedGroup    string

	SeedFile     string
	SeedSchedule string

	RateLimit  int
	RateWindow time.Duration
	UserAgent  string

	// Kinds maps a task kind to its page URL template.
	Kinds map[string]string
	// Fields maps a kind to named CSS selectors extracted from its page.
	Fields map[string]map[string]string
	Follow []FollowConfig
}

// DefaultKinds are the Play Store pages crawled out of the box.
var DefaultKinds = map[string]string{
	"details":   "https://play.google.com/store/apps/details?id={target}&hl=en",
	"developer": "https://play.google.com/store/apps/developer?id={target}&hl=en",
	"similar":   "https://play.google.com/store/apps/similar?id={target}&hl=en",
	"category":  "https://play.google.com/store/apps/category/{target}?hl=en",
}

// DefaultFollow discovers apps and developers linked from any fetched page.
var DefaultFollow = []FollowConfig{
	{Kind: "details", Pattern: `/store/apps/details\?id=([^&#"]+)`},
	{Kind: "developer", Pattern: `/store/apps/dev(?:eloper)?\?id=([^&#"]+)`},
}

// SetDefaults registers defaults for keys that have no CLI flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("key_prefix", "crawlkeeper:")
	v.SetDefault("lease_ttl", 15*time.Second)
	v.SetDefault("renew_interval", 5*time.Second)
	v.SetDefault("acquire_attempts", 5)
	v.SetDefault("acquire_base_delay", 500*time.Millisecond)
	v.SetDefault("max_missed_renewals", 2)
	v.SetDefault("claim_ttl", 2*time.Minute)
	v.SetDefault("batch_size", 10)
	v.SetDefault("concurrency", 4)
	v.SetDefault("retry_ceiling", 3)
	v.SetDefault("fetch_timeout", 30*time.Second)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("drain_grace", 20*time.Second)
	v.SetDefault("result_ttl", 7*24*time.Hour)
	v.SetDefault("results_topic", "crawlkeeper.results")
	v.SetDefault("seeds_topic", "crawlkeeper.seeds")
	v.SetDefault("seed_group", "crawlkeeper-intake")
	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("user_agent", "crawlkeeper/1.0")
	v.SetDefault("kinds", DefaultKinds)
	rules := make([]map[string]any, 0, len(DefaultFollow))
	for _, f := range DefaultFollow {
		rules = append(rules, map[string]any{"kind": f.Kind, "pattern": f.Pattern})
	}
	v.SetDefault("follow", rules)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:          v.GetString("log_level"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		KeyPrefix:         v.GetString("key_prefix"),
		WorkerID:          v.GetString("worker_id"),
		LeaseTTL:          v.GetDuration("lease_ttl"),
		RenewInterval:     v.GetDuration("renew_interval"),
		AcquireAttempts:   v.GetInt("acquire_attempts"),
		AcquireBaseDelay:  v.GetDuration("acquire_base_delay"),
		MaxMissedRenewals: v.GetInt("max_missed_renewals"),
		ClaimTTL:          v.GetDuration("claim_ttl"),
		BatchSize:         v.GetInt("batch_size"),
		Concurrency:       v.GetInt("concurrency"),
		RetryCeiling:      v.GetInt("retry_ceiling"),
		FetchTimeout:      v.GetDuration("fetch_timeout"),
		PollInterval:      v.GetDuration("poll_interval"),
		DrainGrace:        v.GetDuration("drain_grace"),
		ExitOnDemotion:    v.GetBool("exit_on_demotion"),
		ResultTTL:         v.GetDuration("result_ttl"),
		OperatorAddr:      v.GetString("operator_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		ResultsTopic:      v.GetString("results_topic"),
		SeedsTopic:        v.GetString("seeds_topic"),
		SeedGroup:         v.GetString("seed_group"),
		SeedFile:          v.GetString("seed_file"),
		SeedSchedule:      v.GetString("seed_schedule"),
		RateLimit:         v.GetInt("rate_limit"),
		RateWindow:        v.GetDuration("rate_window"),
		UserAgent:         v.GetString("user_agent"),
		Kinds:             v.GetStringMapString("kinds"),
	}
	if err := v.UnmarshalKey("fields", &cfg.Fields); err != nil {
		return Config{}, fmt.Errorf("decode fields: %w", err)
	}
	if err := v.UnmarshalKey("follow", &cfg.Follow); err != nil {
		return Config{}, fmt.Errorf("decode follow rules: %w", err)
	}
	return cfg, nil
}

// Validate enforces required values and the timing relationships the lease
// and claim model depend on.
func (c Config) Validate() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr must be set"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease_ttl must be > 0"))
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseTTL {
		errs = append(errs, fmt.Errorf("renew_interval (%s) must be > 0 and < lease_ttl (%s)", c.RenewInterval, c.LeaseTTL))
	}
	if c.MaxMissedRenewals < 1 {
		errs = append(errs, errors.New("max_missed_renewals must be >= 1"))
	} else if demoteAfter := time.Duration(c.MaxMissedRenewals) * c.RenewInterval; c.RenewInterval > 0 && demoteAfter >= c.LeaseTTL {
		// The holder must notice the loss before its lease can expire.
		errs = append(errs, fmt.Errorf("max_missed_renewals * renew_interval (%s) must be < lease_ttl (%s)", demoteAfter, c.LeaseTTL))
	}
	if c.ClaimTTL <= 0 {
		errs = append(errs, errors.New("claim_ttl must be > 0"))
	}
	if c.FetchTimeout <= 0 || c.FetchTimeout >= c.ClaimTTL {
		errs = append(errs, fmt.Errorf("fetch_timeout (%s) must be > 0 and < claim_ttl (%s)", c.FetchTimeout, c.ClaimTTL))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be > 0"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	if c.RetryCeiling <= 0 {
		errs = append(errs, errors.New("retry_ceiling must be > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be > 0"))
	}
	if c.DrainGrace < 0 {
		errs = append(errs, errors.New("drain_grace must be >= 0"))
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate_window must be > 0 when rate_limit is set"))
	}
	if len(c.Kinds) == 0 {
		errs = append(errs, errors.New("at least one kind must be configured"))
	}
	for _, f := range c.Follow {
		if _, ok := c.Kinds[f.Kind]; !ok {
			errs = append(errs, fmt.Errorf("follow rule targets unknown kind %q", f.Kind))
		}
	}
	return errors.Join(errs...)
}

// KafkaBrokerList splits the comma-separated broker setting.
func (c Config) KafkaBrokerList() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// KindNames returns the configured kinds in sorted order.
func (c Config) KindNames() []string {
	names := make([]string, 0, len(c.Kinds))
	for k := range c.Kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Extractors builds the page extractor registry for the configured kinds.
func (c Config) Extractors() (*extract.Registry, error) {
	rules := make([]extract.FollowRule, 0, len(c.Follow))
	for _, f := range c.Follow {
		rule, err := extract.NewFollowRule(f.Kind, f.Pattern)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	reg := extract.NewRegistry()
	for _, kind := range c.KindNames() {
		page, err := extract.NewPageExtractor(extract.PageConfig{
			Kind:        kind,
			URLTemplate: c.Kinds[kind],
			Fields:      c.Fields[kind],
			Follow:      rules,
			UserAgent:   c.UserAgent,
			Timeout:     c.FetchTimeout,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(page)
	}
	return reg, nil
}
