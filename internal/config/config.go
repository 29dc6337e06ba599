// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/log"
)

// EnvPrefix prefixes every environment override, e.g.
// CAPDISSECT_LOG_LEVEL or CAPDISSECT_DISSECT_SMTP_PORTS=25,2525.
const EnvPrefix = "CAPDISSECT"

// Config is the top-level configuration.
type Config struct {
	Log     log.LoggerConfig `mapstructure:"log"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Dissect DissectConfig    `mapstructure:"dissect"`
	Capinfo CapinfoConfig    `mapstructure:"capinfo"`
	Editcap EditcapConfig    `mapstructure:"editcap"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// DissectConfig configures the protocol dissection engine.
type DissectConfig struct {
	SMTPPorts       []uint16      `mapstructure:"smtp_ports"`
	DCERPCPorts     []uint16      `mapstructure:"dcerpc_ports"`
	MaxLineLength   int           `mapstructure:"max_line_length"`
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout"`
	MaxFragments    int           `mapstructure:"max_fragments"`
	MaxPerSource    int           `mapstructure:"max_fragments_per_source"`
	Filter          string        `mapstructure:"filter"`
}

// CapinfoConfig configures the statistics report.
type CapinfoConfig struct {
	ContinueOnError bool   `mapstructure:"continue_on_error"`
	Output          string `mapstructure:"output"` // long / table / yaml / json
	Separator       string `mapstructure:"separator"`
	Quote           string `mapstructure:"quote"`
	Header          bool   `mapstructure:"header"`
}

// EditcapConfig holds defaults for the edit command.
type EditcapConfig struct {
	Format string `mapstructure:"format"`
	Seed   int64  `mapstructure:"seed"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"log-format":        "log.format",
	"metrics-listen":    "metrics.listen",
	"smtp-ports":        "dissect.smtp_ports",
	"dcerpc-ports":      "dissect.dcerpc_ports",
	"max-line":          "dissect.max_line_length",
	"continue":          "capinfo.continue_on_error",
	"output":            "capinfo.output",
	"separator":         "capinfo.separator",
	"quote":             "capinfo.quote",
	"header":            "capinfo.header",
	"seed":              "editcap.seed",
	"format":            "editcap.format",
	"fragment-timeout":  "dissect.fragment_timeout",
	"filter":            "dissect.filter",
	"metrics-path":      "metrics.path",
	"max-fragments":     "dissect.max_fragments",
	"log-file":          "log.file.filename",
	"log-file-max-size": "log.file.max_size",
}

// Load reads the optional YAML file at path, applies environment overrides
// and then any flags in flags that were set explicitly.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used without file, env or flags.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "pattern")
	v.SetDefault("log.pattern", log.DefaultPattern)
	v.SetDefault("log.time", log.DefaultTimeLayout)
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.filename", "capdissect.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("dissect.smtp_ports", []uint16{25, 587})
	v.SetDefault("dissect.dcerpc_ports", []uint16{135, 445})
	v.SetDefault("dissect.max_line_length", 4096)
	v.SetDefault("dissect.fragment_timeout", "30s")
	v.SetDefault("dissect.max_fragments", 100)
	v.SetDefault("dissect.max_fragments_per_source", 0)
	v.SetDefault("dissect.filter", "")

	v.SetDefault("capinfo.continue_on_error", true)
	v.SetDefault("capinfo.output", "long")
	v.SetDefault("capinfo.separator", "\t")
	v.SetDefault("capinfo.quote", "")
	v.SetDefault("capinfo.header", true)

	v.SetDefault("editcap.format", "pcap")
	v.SetDefault("editcap.seed", 0)
}

var (
	validLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validOutputs = map[string]bool{"long": true, "table": true, "yaml": true, "json": true}
)

// ValidateAndApplyDefaults validates cfg and fills in derived values.
func (cfg *Config) ValidateAndApplyDefaults() error {
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "pattern" && cfg.Log.Format != "json" {
		return fmt.Errorf("%w: log format %q (must be pattern/json)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	if len(cfg.Dissect.SMTPPorts) == 0 && len(cfg.Dissect.DCERPCPorts) == 0 {
		return fmt.Errorf("%w: no dissector ports configured", core.ErrConfigInvalid)
	}
	for _, p := range append(append([]uint16{}, cfg.Dissect.SMTPPorts...), cfg.Dissect.DCERPCPorts...) {
		if p == 0 {
			return fmt.Errorf("%w: port 0", core.ErrConfigInvalid)
		}
	}
	if cfg.Dissect.MaxLineLength <= 0 {
		return fmt.Errorf("%w: dissect.max_line_length must be positive", core.ErrConfigInvalid)
	}

	cfg.Capinfo.Output = strings.ToLower(cfg.Capinfo.Output)
	if !validOutputs[cfg.Capinfo.Output] {
		return fmt.Errorf("%w: capinfo output %q (must be long/table/yaml/json)", core.ErrConfigInvalid, cfg.Capinfo.Output)
	}
	if len(cfg.Capinfo.Quote) > 1 {
		return fmt.Errorf("%w: capinfo quote must be a single character", core.ErrConfigInvalid)
	}
	if cfg.Capinfo.Separator == "" {
		cfg.Capinfo.Separator = "\t"
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics are enabled", core.ErrConfigInvalid)
	}
	return nil
}
