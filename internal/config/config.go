// Package config loads outreach configuration from a YAML file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daviddao/outreach/internal/ai"
	"github.com/daviddao/outreach/internal/auth"
	"github.com/daviddao/outreach/internal/build"
	"github.com/daviddao/outreach/internal/db"
	"github.com/daviddao/outreach/internal/reply"
	outsync "github.com/daviddao/outreach/internal/sync"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. OUTREACH_HTTP_ADDR.
const EnvPrefix = "OUTREACH"

// GmailConfig locates the OAuth client and the push topic.
type GmailConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// QueueConfig selects push dispatch. An empty URL handles notifications
// in process.
type QueueConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Config is the complete application configuration.
type Config struct {
	Database db.Config          `mapstructure:"database"`
	Gmail    GmailConfig        `mapstructure:"gmail"`
	Keyring  auth.KeyringConfig `mapstructure:"keyring"`
	Sync     outsync.Config     `mapstructure:"sync"`
	Reply    reply.Config       `mapstructure:"reply"`
	AI       ai.Config          `mapstructure:"ai"`
	Queue    QueueConfig        `mapstructure:"queue"`
	HTTP     HTTPConfig         `mapstructure:"http"`
	Log      build.LogConfig    `mapstructure:"log"`
}

// Dir is the default configuration and data directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".outreach"
	}
	return filepath.Join(home, ".config", "outreach")
}

// DefaultPath is the default configuration file.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	sc := outsync.DefaultConfig()

	v.SetDefault("database.driver", db.DriverSQLite)
	v.SetDefault("database.dsn", db.DefaultPath())
	v.SetDefault("gmail.credentials_path", filepath.Join(dir, "credentials.json"))
	v.SetDefault("gmail.pubsub_topic", "")
	v.SetDefault("keyring.dir", filepath.Join(dir, "keyring"))
	v.SetDefault("keyring.file_password", "")

	v.SetDefault("sync.debounce", sc.Debounce)
	v.SetDefault("sync.draft_cache_ttl", sc.DraftCacheTTL)
	v.SetDefault("sync.thread_cooldown", sc.ThreadCooldown)
	v.SetDefault("sync.rate_limit", sc.RateLimit)
	v.SetDefault("sync.rate_window", sc.RateWindow)
	v.SetDefault("sync.provider_timeout", sc.ProviderTimeout)
	v.SetDefault("sync.batch_pause", sc.BatchPause)
	v.SetDefault("sync.batch_max", sc.BatchMax)
	v.SetDefault("sync.refresh_interval", time.Duration(0))

	v.SetDefault("reply.cost", reply.DefaultCost)
	v.SetDefault("reply.provider_timeout", sc.ProviderTimeout)
	v.SetDefault("reply.generate_timeout", reply.DefaultGenerateTimeout)

	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.timeout", time.Minute)

	v.SetDefault("queue.url", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_files", build.DefaultMaxLogFiles)
	v.SetDefault("log.max_file_size_mb", build.DefaultMaxLogFileSize)
	v.SetDefault("log.filename", build.DefaultLogFilename)
}

// Loader reads configuration and watches the file for changes.
type Loader struct {
	v *viper.Viper
}

// Load reads path (which may not exist) with environment overrides. A
// .env file in the working directory is loaded first; existing
// environment variables win over it.
func Load(path string) (*Config, *Loader, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Path is the configuration file in use.
func (l *Loader) Path() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the reloaded configuration whenever the file
// changes. Only settings read per use, such as the log level, take
// effect without a restart.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
}
