package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DefaultClientConfigPath is where the CRM looks for custom client metadata.
const DefaultClientConfigPath = "/var/www/html/custom/Espo/Custom/Resources/metadata/app/client.json"

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Query   QueryConfig
	CORS    CORSConfig    `mapstructure:"cors"`
	Session SessionConfig `mapstructure:"session"`
	Journal JournalConfig `mapstructure:"journal"`
	Inject  InjectConfig  `mapstructure:"inject"`
	Widget  WidgetConfig  `mapstructure:"widget"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds the widget host configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	// PublicURL is the origin browsers use to reach this host. Empty means
	// the script derives it from its own src.
	PublicURL string `mapstructure:"public_url"`
}

// QueryConfig points at the remote query-answering service.
type QueryConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds one outbound question. Zero leaves the request unbounded.
	Timeout time.Duration `mapstructure:"timeout"`
}

// CORSConfig lists the CRM origins allowed to drive the widget.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxAge         int      `mapstructure:"max_age"`
}

// SessionConfig controls mounted widget instances.
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MountRate       float64       `mapstructure:"mount_rate"`
	MountBurst      int           `mapstructure:"mount_burst"`
}

// JournalConfig holds the query journal location. An empty path keeps the
// journal in memory only.
type JournalConfig struct {
	Path string `mapstructure:"path"`
	// Expose serves GET /journal, scoped to one instance per request.
	Expose bool `mapstructure:"expose"`
}

// InjectConfig holds the CRM patch target.
type InjectConfig struct {
	Path      string `mapstructure:"path"`
	ScriptURL string `mapstructure:"script_url"`
}

// WidgetConfig holds presentational settings for the scaffold.
type WidgetConfig struct {
	Title    string   `mapstructure:"title"`
	Examples []string `mapstructure:"examples"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "5000")
	v.SetDefault("query.base_url", "http://localhost:5050")
	v.SetDefault("query.timeout", time.Duration(0))
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.max_age", 600)
	v.SetDefault("session.ttl", 2*time.Hour)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)
	v.SetDefault("session.mount_rate", 5.0)
	v.SetDefault("session.mount_burst", 20)
	v.SetDefault("journal.expose", false)
	v.SetDefault("inject.path", DefaultClientConfigPath)
	v.SetDefault("inject.script_url", "http://localhost:5000/static/chat-widget.js")
	v.SetDefault("widget.title", "CRM Query Assistant")
	v.SetDefault("widget.examples", []string{
		"Who did I contact last week?",
		"When did I last email john@example.com?",
		"Show me contacts I haven't reached in 30 days",
	})
	v.SetDefault("log.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CRMWIDGET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

// Load loads the configuration from CONFIG_PATH or ./config.yaml. A missing
// default file is not an error; defaults and environment apply.
func Load() (*Config, error) {
	cfg, _, err := load()
	return cfg, err
}

func load() (*Config, *viper.Viper, error) {
	v := newViper()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, err
	}

	return &config, v, nil
}

// Watch loads the configuration and calls onChange with the reloaded value
// whenever the backing file changes.
func Watch(onChange func(*Config)) (*Config, error) {
	cfg, v, err := load()
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		onChange(&next)
	})
	v.WatchConfig()

	return cfg, nil
}
