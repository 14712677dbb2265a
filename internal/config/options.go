package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envBindings lists every config key with the env var names that override it.
// Both single and double underscore delimiters are accepted so that
// TPP_UPSTREAM_HOST and TPP_UPSTREAM__HOST mean the same thing.
var envBindings = map[string][]string{
	"listen":                      {"TPP_LISTEN"},
	"health_listen":               {"TPP_HEALTH_LISTEN"},
	"upstream.host":               {"TPP_UPSTREAM_HOST", "TPP_UPSTREAM__HOST"},
	"upstream.port":               {"TPP_UPSTREAM_PORT", "TPP_UPSTREAM__PORT"},
	"upstream.tls":                {"TPP_UPSTREAM_TLS", "TPP_UPSTREAM__TLS"},
	"credential.username":         {"TPP_CREDENTIAL_USERNAME", "TPP_CREDENTIAL__USERNAME"},
	"credential.password":         {"TPP_CREDENTIAL_PASSWORD", "TPP_CREDENTIAL__PASSWORD"},
	"token.pool_size":             {"TPP_TOKEN_POOL_SIZE", "TPP_TOKEN__POOL_SIZE"},
	"token.ttl_seconds":           {"TPP_TOKEN_TTL_SECONDS", "TPP_TOKEN__TTL_SECONDS"},
	"token.refresh_check_seconds": {"TPP_TOKEN_REFRESH_CHECK_SECONDS", "TPP_TOKEN__REFRESH_CHECK_SECONDS"},
	"telemetry.otlp_endpoint":     {"TPP_TELEMETRY_OTLP_ENDPOINT", "TPP_TELEMETRY__OTLP_ENDPOINT"},
	"telemetry.log_filter":        {"TPP_TELEMETRY_LOG_FILTER", "TPP_TELEMETRY__LOG_FILTER"},
}

// Options handles CLI flags, env vars, and config file loading.
// Priority: env vars > config file > defaults
type Options struct {
	flags *pflag.FlagSet
	viper *viper.Viper

	// Command-line only flags (not in config file)
	ShowVersion bool   `yaml:"-"`
	ShowHelp    bool   `yaml:"-"`
	ShowConfig  bool   `yaml:"-"`
	ConfigFile  string `yaml:"-"`
	Debug       bool   `yaml:"-"`
	AskPassword bool   `yaml:"-"`

	// base is the config accepted at startup; reloads are diffed against it.
	base *Config
}

// New creates Options with all flags defined.
func New() *Options {
	opt := &Options{
		flags: pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError),
		viper: viper.New(),
	}

	opt.flags.BoolVarP(&opt.ShowVersion, "version", "v", false, "Print version and exit")
	opt.flags.BoolVarP(&opt.ShowHelp, "help", "h", false, "Print help and exit")
	opt.flags.BoolVarP(&opt.ShowConfig, "print-config", "c", false, "Print effective config and exit")
	opt.flags.StringVarP(&opt.ConfigFile, "config", "f", "", "Path to config file (yaml)")
	opt.flags.BoolVar(&opt.Debug, "debug", false, "Enable debug logging")
	opt.flags.BoolVar(&opt.AskPassword, "ask-password", false, "Prompt for the upstream password on stdin")

	opt.setDefaults()

	return opt
}

func (opt *Options) setDefaults() {
	opt.viper.SetDefault("listen", "")
	opt.viper.SetDefault("health_listen", "")
	opt.viper.SetDefault("upstream.host", "")
	opt.viper.SetDefault("upstream.port", 0)
	opt.viper.SetDefault("upstream.tls", false)
	opt.viper.SetDefault("credential.username", "")
	opt.viper.SetDefault("credential.password", "")
	opt.viper.SetDefault("token.pool_size", 10)
	opt.viper.SetDefault("token.ttl_seconds", 3600)
	opt.viper.SetDefault("token.refresh_check_seconds", 60)
	opt.viper.SetDefault("telemetry.otlp_endpoint", "")
	opt.viper.SetDefault("telemetry.log_filter", "info")
}

// Parse parses CLI args, loads the config file, and merges all sources.
func (opt *Options) Parse(args []string) error {
	if err := opt.flags.Parse(args); err != nil {
		return err
	}

	if opt.ShowVersion || opt.ShowHelp {
		return nil
	}

	opt.viper.SetEnvPrefix("TPP")
	opt.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, names := range envBindings {
		input := append([]string{key}, names...)
		if err := opt.viper.BindEnv(input...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if opt.ConfigFile != "" {
		opt.viper.SetConfigFile(opt.ConfigFile)
		if err := opt.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read config file %s: %v", ErrConfig, opt.ConfigFile, err)
		}
	} else {
		// No --config: search default locations, but allow running on env
		// vars alone when no file is found anywhere.
		opt.viper.SetConfigName("config")
		opt.viper.SetConfigType("yaml")
		opt.viper.AddConfigPath(".")

		xdgConfig := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfig == "" {
			if home, err := os.UserHomeDir(); err == nil {
				xdgConfig = filepath.Join(home, ".config")
			}
		}
		if xdgConfig != "" {
			opt.viper.AddConfigPath(filepath.Join(xdgConfig, "tpp"))
		}

		if err := opt.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("%w: read config: %v", ErrConfig, err)
			}
		}
	}

	return nil
}

// ToConfig materializes and validates the merged configuration.
func (opt *Options) ToConfig() (*Config, error) {
	cfg := &Config{}
	if err := opt.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if opt.base == nil {
		opt.base = cfg
	}

	return cfg, nil
}

// PrintUsage prints the usage help.
func (opt *Options) PrintUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Options:")
	opt.flags.PrintDefaults()
}

// Watch watches the config file for changes and calls onChange with the
// reloaded config. Only the token TTL and refresh cadence are
// hot-reloadable; listen, upstream, and credential changes require restart.
func (opt *Options) Watch(ctx context.Context, onChange func(*Config, error)) error {
	if opt.ConfigFile == "" {
		opt.ConfigFile = opt.viper.ConfigFileUsed()
	}
	if opt.ConfigFile == "" {
		return fmt.Errorf("no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory to handle editor save patterns. The watch is armed
	// before Watch returns, so a change made right afterwards is observed.
	dir := filepath.Dir(opt.ConfigFile)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		configBase := filepath.Base(opt.ConfigFile)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != configBase {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				log.Printf("[INFO] config: file changed, reloading...")
				newCfg, err := opt.reload()
				onChange(newCfg, err)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ERROR] config: watch error: %v", err)
			}
		}
	}()

	log.Printf("[INFO] config: watching file %s", opt.ConfigFile)
	return nil
}

// reload re-reads the config file and returns the new Config after checking
// that the restart-only sections did not change.
func (opt *Options) reload() (*Config, error) {
	old := opt.base
	if old == nil {
		return nil, fmt.Errorf("reload before initial config load")
	}

	if err := opt.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	newCfg, err := opt.ToConfig()
	if err != nil {
		return nil, err
	}

	if newCfg.Listen != old.Listen || newCfg.HealthListen != old.HealthListen {
		return nil, fmt.Errorf("listen configuration changed, restart required to apply")
	}
	if newCfg.Upstream != old.Upstream {
		return nil, fmt.Errorf("upstream configuration changed, restart required to apply")
	}
	if newCfg.Credential != old.Credential {
		return nil, fmt.Errorf("credential configuration changed, restart required to apply")
	}
	if newCfg.Token.PoolSize != old.Token.PoolSize {
		return nil, fmt.Errorf("token.pool_size changed, restart required to apply")
	}

	opt.base = newCfg
	return newCfg, nil
}

// IsDebug returns whether debug mode is enabled.
func (opt *Options) IsDebug() bool {
	return opt.Debug
}
