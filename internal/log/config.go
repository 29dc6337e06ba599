package log

const (
	DefaultPattern    = "%time [%level] %msg %field\n"
	DefaultTimeLayout = "2006-01-02 15:04:05.000"
)

type LoggerConfig struct {
	Level   string          `mapstructure:"level"`  // trace / debug / info / warn / error
	Format  string          `mapstructure:"format"` // pattern / json
	Pattern string          `mapstructure:"pattern"`
	Time    string          `mapstructure:"time"`
	File    FileAppenderOpt `mapstructure:"file"`
}

type FileAppenderOpt struct {
	Enabled    bool   `mapstructure:"enabled"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`    // megabytes
	MaxBackups int    `mapstructure:"max_backups"` // number of backups
	MaxAge     int    `mapstructure:"max_age"`     // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns the logger configuration used before Init.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Format:  "pattern",
		Pattern: DefaultPattern,
		Time:    DefaultTimeLayout,
	}
}
