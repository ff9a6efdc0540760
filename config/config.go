package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "telechat"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	FeedRelay  = "relay"
	FeedRedis  = "redis"
	FeedMemory = "memory"

	DefaultListenAddr        = ":8080"
	DefaultRelayURL          = "ws://127.0.0.1:8080/ws"
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultPageSize          = 50
	DefaultTypingExpiryMS    = 3000
	DefaultTypingDebounceMS  = 1000
	DefaultMaxAttachmentSize = 5 << 20
	DefaultLogLevel          = "info"
)

// Environment overrides applied on every load.
const (
	EnvDataDir     = "TELECHAT_DATA_DIR"
	EnvJWTSecret   = "TELECHAT_JWT_SECRET"
	EnvRelayURL    = "TELECHAT_RELAY_URL"
	EnvPostgresURL = "TELECHAT_POSTGRES_URL"
	EnvRedisAddr   = "TELECHAT_REDIS_ADDR"
)

// ClientConfig contains persistent settings shared by the relay and chat
// commands.
type ClientConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	Store       string `json:"store"`
	PostgresURL string `json:"postgres_url,omitempty"`

	Feed       string `json:"feed"`
	RelayURL   string `json:"relay_url"`
	ListenAddr string `json:"listen_addr"`
	RedisAddr  string `json:"redis_addr"`
	// PublicBaseURL prefixes blob download links, e.g. http://relay:8080.
	PublicBaseURL string `json:"public_base_url,omitempty"`
	Advertise     bool   `json:"advertise"`

	JWTSecret string `json:"jwt_secret"`

	PageSize             int   `json:"page_size"`
	TypingExpiryMS       int   `json:"typing_expiry_ms"`
	TypingDebounceMS     int   `json:"typing_debounce_ms"`
	MaxAttachmentSize    int64 `json:"max_attachment_size"`
	NotificationsEnabled bool  `json:"notifications_enabled"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TELECHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory, then behaves like LoadOrCreateIn.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures directories and config exist under dataDir, fills
// missing fields, applies environment overrides and validates the result.
// Overrides are not written back to disk.
func LoadOrCreateIn(dataDir string) (*ClientConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg, err = defaultConfig()
		if err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else {
		updated, err := normalizeDefaults(cfg)
		if err != nil {
			return nil, "", err
		}
		if updated {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// Validate checks enumerated fields and the settings they require.
func (c *ClientConfig) Validate() error {
	switch c.Store {
	case StoreSQLite:
	case StorePostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres store requires postgres_url")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.Feed {
	case FeedRelay:
		if c.RelayURL == "" {
			return errors.New("relay feed requires relay_url")
		}
	case FeedRedis:
		if c.RedisAddr == "" {
			return errors.New("redis feed requires redis_addr")
		}
	case FeedMemory:
	default:
		return fmt.Errorf("unknown feed %q", c.Feed)
	}

	if len(c.JWTSecret) < 16 {
		return errors.New("jwt_secret must be at least 16 characters")
	}
	return nil
}

func defaultConfig() (*ClientConfig, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	return &ClientConfig{
		DeviceID:             uuid.NewString(),
		DeviceName:           defaultDeviceName(),
		Store:                StoreSQLite,
		Feed:                 FeedRelay,
		RelayURL:             DefaultRelayURL,
		ListenAddr:           DefaultListenAddr,
		RedisAddr:            DefaultRedisAddr,
		JWTSecret:            secret,
		PageSize:             DefaultPageSize,
		TypingExpiryMS:       DefaultTypingExpiryMS,
		TypingDebounceMS:     DefaultTypingDebounceMS,
		MaxAttachmentSize:    DefaultMaxAttachmentSize,
		NotificationsEnabled: true,
		LogLevel:             DefaultLogLevel,
	}, nil
}

func normalizeDefaults(cfg *ClientConfig) (bool, error) {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.Store, StoreSQLite)
	setString(&cfg.Feed, FeedRelay)
	setString(&cfg.RelayURL, DefaultRelayURL)
	setString(&cfg.ListenAddr, DefaultListenAddr)
	setString(&cfg.RedisAddr, DefaultRedisAddr)
	setString(&cfg.LogLevel, DefaultLogLevel)
	setInt(&cfg.PageSize, DefaultPageSize)
	setInt(&cfg.TypingExpiryMS, DefaultTypingExpiryMS)
	setInt(&cfg.TypingDebounceMS, DefaultTypingDebounceMS)
	if cfg.MaxAttachmentSize <= 0 {
		cfg.MaxAttachmentSize = DefaultMaxAttachmentSize
		updated = true
	}

	if cfg.JWTSecret == "" {
		secret, err := newSecret()
		if err != nil {
			return false, err
		}
		cfg.JWTSecret = secret
		updated = true
	}

	return updated, nil
}

func applyEnv(cfg *ClientConfig) {
	overrides := map[string]*string{
		EnvJWTSecret:   &cfg.JWTSecret,
		EnvRelayURL:    &cfg.RelayURL,
		EnvPostgresURL: &cfg.PostgresURL,
		EnvRedisAddr:   &cfg.RedisAddr,
	}
	for key, field := range overrides {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*field = value
		}
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "telechat"
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
