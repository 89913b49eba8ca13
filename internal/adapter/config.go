package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Upload       UploadConfig       `mapstructure:"upload"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Listen       ListenConfig       `mapstructure:"listen"`
	Player       PlayerConfig       `mapstructure:"player"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the remote API location and credential
type ServerConfig struct {
	URL   string `mapstructure:"url"`   // API base URL, mutation endpoints are relative to it
	Token string `mapstructure:"token"` // Bearer token
}

// StorageConfig holds on-disk locations. Empty DBDir runs the store in memory.
type StorageConfig struct {
	DBDir   string `mapstructure:"db_dir"`
	BlobDir string `mapstructure:"blob_dir"`
}

// UploadConfig tunes the resumable upload client
type UploadConfig struct {
	ChunkSize          int           `mapstructure:"chunk_size"`
	KeepaliveThreshold int           `mapstructure:"keepalive_threshold"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig tunes the offline asset cache
type CacheConfig struct {
	ListTimeout  time.Duration `mapstructure:"list_timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// ConnectivityConfig tunes the online probe and deferred-wake retries
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"` // Empty disables probing, state stays online
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
}

// ListenConfig holds the page transport listener
type ListenConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Browser pages allowed to attach
}

// PlayerConfig holds the external player for cached videos.
// An empty Command picks the first installed known player.
type PlayerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"` // Empty logs to stderr
	Level string `mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	data := defaultDataPath()
	return &Config{
		Storage: StorageConfig{
			DBDir:   filepath.Join(data, "db"),
			BlobDir: filepath.Join(data, "blobs"),
		},
		Upload: UploadConfig{
			ChunkSize:          5 * 1024 * 1024,
			KeepaliveThreshold: 64 * 1024,
			RequestTimeout:     2 * time.Minute,
		},
		Cache: CacheConfig{
			ListTimeout:  3 * time.Second,
			FetchTimeout: 5 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			RetryBase:     2 * time.Second,
			MaxRetries:    5,
		},
		Listen: ListenConfig{
			Addr: "127.0.0.1:7717",
		},
		Player: PlayerConfig{
			Args: []string{},
		},
		Logging: LoggingConfig{
			File:  filepath.Join(data, "kinosync.log"),
			Level: "INFO",
		},
	}
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "kinosync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinosync")
	}
}

// defaultConfigPath returns the default config file path for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinosync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "kinosync")
	}
}

// setDefaults registers every key with viper so environment overrides
// reach nested fields on Unmarshal.
func setDefaults(cfg *Config) {
	viper.SetDefault("server.url", cfg.Server.URL)
	viper.SetDefault("server.token", cfg.Server.Token)
	viper.SetDefault("storage.db_dir", cfg.Storage.DBDir)
	viper.SetDefault("storage.blob_dir", cfg.Storage.BlobDir)
	viper.SetDefault("upload.chunk_size", cfg.Upload.ChunkSize)
	viper.SetDefault("upload.keepalive_threshold", cfg.Upload.KeepaliveThreshold)
	viper.SetDefault("upload.request_timeout", cfg.Upload.RequestTimeout)
	viper.SetDefault("cache.list_timeout", cfg.Cache.ListTimeout)
	viper.SetDefault("cache.fetch_timeout", cfg.Cache.FetchTimeout)
	viper.SetDefault("connectivity.probe_url", cfg.Connectivity.ProbeURL)
	viper.SetDefault("connectivity.probe_interval", cfg.Connectivity.ProbeInterval)
	viper.SetDefault("connectivity.retry_base", cfg.Connectivity.RetryBase)
	viper.SetDefault("connectivity.max_retries", cfg.Connectivity.MaxRetries)
	viper.SetDefault("listen.addr", cfg.Listen.Addr)
	viper.SetDefault("listen.allowed_origins", cfg.Listen.AllowedOrigins)
	viper.SetDefault("player.command", cfg.Player.Command)
	viper.SetDefault("player.args", cfg.Player.Args)
	viper.SetDefault("logging.file", cfg.Logging.File)
	viper.SetDefault("logging.level", cfg.Logging.Level)
}

// LoadConfig loads configuration from file and environment.
// An empty configFile searches the default locations.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(cfg)

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(defaultConfigPath())
		viper.AddConfigPath(".")
	}

	// Environment variable overrides, e.g. KINOSYNC_SERVER_TOKEN
	viper.SetEnvPrefix("KINOSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// configFilePath returns the file viper loaded, or the default location.
func configFilePath() (string, error) {
	if used := viper.ConfigFileUsed(); used != "" {
		return used, os.MkdirAll(filepath.Dir(used), 0755)
	}
	configPath := defaultConfigPath()
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(configPath, "config.yaml"), nil
}

// SaveConfig saves the current configuration to file
func SaveConfig(cfg *Config) error {
	configFile, err := configFilePath()
	if err != nil {
		return err
	}

	// Set fields individually to ensure correct key names (snake_case)
	viper.Set("server.url", cfg.Server.URL)
	viper.Set("server.token", cfg.Server.Token)

	viper.Set("storage.db_dir", cfg.Storage.DBDir)
	viper.Set("storage.blob_dir", cfg.Storage.BlobDir)

	viper.Set("upload.chunk_size", cfg.Upload.ChunkSize)
	viper.Set("upload.keepalive_threshold", cfg.Upload.KeepaliveThreshold)
	viper.Set("upload.request_timeout", cfg.Upload.RequestTimeout.String())

	viper.Set("cache.list_timeout", cfg.Cache.ListTimeout.String())
	viper.Set("cache.fetch_timeout", cfg.Cache.FetchTimeout.String())

	viper.Set("connectivity.probe_url", cfg.Connectivity.ProbeURL)
	viper.Set("connectivity.probe_interval", cfg.Connectivity.ProbeInterval.String())
	viper.Set("connectivity.retry_base", cfg.Connectivity.RetryBase.String())
	viper.Set("connectivity.max_retries", cfg.Connectivity.MaxRetries)

	viper.Set("listen.addr", cfg.Listen.Addr)
	viper.Set("listen.allowed_origins", cfg.Listen.AllowedOrigins)

	viper.Set("player.command", cfg.Player.Command)
	viper.Set("player.args", cfg.Player.Args)

	viper.Set("logging.file", cfg.Logging.File)
	viper.Set("logging.level", cfg.Logging.Level)

	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveToken updates just the token in the configuration
func SaveToken(token string) error {
	viper.Set("server.token", token)

	configFile, err := configFilePath()
	if err != nil {
		return err
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsConfigured returns true if the server URL and token are set
func (c *Config) IsConfigured() bool {
	return c.Server.URL != "" && c.Server.Token != ""
}
