package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/soheilrt/play-scraper/services/worker/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "crawlkeeper",
	Short:        "crawlkeeper: single-writer crawl task coordinator",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/crawlkeeper/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./crawlkeeper.yaml)")
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	pf.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	pf.String("redis-password", "", "Redis password")
	pf.Int("redis-db", 0, "Redis database number")
	pf.String("key-prefix", "crawlkeeper:", "prefix for every Redis key")
	pf.String("postgres-dsn", "", "PostgreSQL DSN for execution history; empty disables it")
	bindFlag("log_level", pf, "log-level")
	bindFlag("redis_addr", pf, "redis-addr")
	bindFlag("redis_password", pf, "redis-password")
	bindFlag("redis_db", pf, "redis-db")
	bindFlag("key_prefix", pf, "key-prefix")
	bindFlag("postgres_dsn", pf, "postgres-dsn")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newInitCmd("crawlkeeper", defaultYAML))
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(deadlettersCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("crawlkeeper")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.crawlkeeper")
		viper.AddConfigPath("/etc/crawlkeeper")
	}

	viper.SetEnvPrefix("CRAWLKEEPER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

// loadConfig reads and validates the merged flag, env and file settings.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
