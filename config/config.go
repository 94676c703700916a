// Package config loads the module configuration from YAML with environment
// overrides and sets up global logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Backend names
const (
	CacheMemory = "memory"
	CacheGarnet = "garnet"

	StoreSQLite  = "sqlite"
	StoreMongoDB = "mongodb"

	IdentityPocketBase = "pocketbase"
	IdentityLocal      = "local"
)

// Config is the full module configuration
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Cache          CacheConfig          `yaml:"cache"`
	Store          StoreConfig          `yaml:"store"`
	Identity       IdentityConfig       `yaml:"identity"`
	Session        SessionConfig        `yaml:"session"`
	Encryption     EncryptionConfig     `yaml:"encryption"`
	Cookies        CookieConfig         `yaml:"cookies"`
	PasswordChange PasswordChangeConfig `yaml:"password_change"`
	Registration   RegistrationConfig   `yaml:"registration"`
	Audit          AuditConfig          `yaml:"audit"`
}

// LoggingConfig controls the global zerolog logger
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// CacheConfig selects the cache backend
type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	URL             string        `yaml:"url"`
	KeyPrefix       string        `yaml:"key_prefix"`
	MaxSize         int           `yaml:"max_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StoreConfig selects the record store
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	MongoURI      string `yaml:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database"`
}

// IdentityConfig selects the identity provider
type IdentityConfig struct {
	Provider      string        `yaml:"provider"`
	PocketBaseURL string        `yaml:"pocketbase_url"`
	Timeout       time.Duration `yaml:"timeout"`

	// Local provider only
	TokenSecret  string        `yaml:"token_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	RotateWithin time.Duration `yaml:"rotate_within"`
	BcryptCost   int           `yaml:"bcrypt_cost"`
}

// SessionConfig holds session lifetimes
type SessionConfig struct {
	AdminTTL         time.Duration `yaml:"admin_ttl"`
	UserTTL          time.Duration `yaml:"user_ttl"`
	ExtendedTTL      time.Duration `yaml:"extended_ttl"`
	LastSeenInterval time.Duration `yaml:"last_seen_interval"`
}

// EncryptionConfig holds key derivation and server key settings
type EncryptionConfig struct {
	KDFIterations      int              `yaml:"kdf_iterations"`
	AllowWeakKDF       bool             `yaml:"allow_weak_kdf"`
	SplitDEKTTL        time.Duration    `yaml:"split_dek_ttl"`
	ServerCacheKeyPath string           `yaml:"server_cache_key_path"`
	KMS                *types.KMSConfig `yaml:"kms,omitempty"`
}

// CookieConfig names the credential cookies
type CookieConfig struct {
	TokenName string `yaml:"token_name"`
	DEKName   string `yaml:"dek_name"`
	Domain    string `yaml:"domain"`
	Path      string `yaml:"path"`
	Insecure  bool   `yaml:"insecure"`
}

// PasswordChangeConfig tunes the password change lock
type PasswordChangeConfig struct {
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// RegistrationConfig tunes the per-identity registration lock
type RegistrationConfig struct {
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// AuditConfig bounds the in-memory audit history
type AuditConfig struct {
	Enabled   bool `yaml:"enabled"`
	Retention int  `yaml:"retention"`
}

// Default returns a configuration that runs without external services
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Backend:         CacheMemory,
			KeyPrefix:       "cred:",
			CleanupInterval: time.Minute,
		},
		Store: StoreConfig{
			Backend:       StoreSQLite,
			SQLitePath:    "credentials.db",
			MongoDatabase: "credentials",
		},
		Identity: IdentityConfig{
			Provider: IdentityPocketBase,
			Timeout:  5 * time.Second,
		},
		Session: SessionConfig{
			AdminTTL:         15 * time.Minute,
			UserTTL:          8 * time.Hour,
			ExtendedTTL:      30 * 24 * time.Hour,
			LastSeenInterval: time.Hour,
		},
		Encryption: EncryptionConfig{
			KDFIterations:      envelope.DefaultKDFIterations,
			SplitDEKTTL:        types.DefaultSplitDEKTTL,
			ServerCacheKeyPath: kms.DefaultServerCacheKeyPath,
		},
		Cookies: CookieConfig{
			TokenName: "auth_token",
			DEKName:   "dek",
			Path:      "/",
		},
		PasswordChange: PasswordChangeConfig{
			LockTTL: 2 * time.Minute,
		},
		Registration: RegistrationConfig{
			LockTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Retention: 1000,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: failed to parse config file: %v", types.ErrConfiguration, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("POCKETBASE_URL", &c.Identity.PocketBaseURL)
	str("IDENTITY_PROVIDER", &c.Identity.Provider)
	str("LOCAL_TOKEN_SECRET", &c.Identity.TokenSecret)
	str("SERVER_CACHE_KEY_PATH", &c.Encryption.ServerCacheKeyPath)
	str("SQLITE_PATH", &c.Store.SQLitePath)

	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Cache.URL = v
		c.Cache.Backend = CacheGarnet
	}
	if v, ok := lookup("MONGODB_URI"); ok && v != "" {
		c.Store.MongoURI = v
		c.Store.Backend = StoreMongoDB
	}
	if v, ok := lookup("KDF_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: KDF_ITERATIONS: %v", types.ErrConfiguration, err)
		}
		c.Encryption.KDFIterations = n
	}
	if v, ok := lookup("LOG_CONSOLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: LOG_CONSOLE: %v", types.ErrConfiguration, err)
		}
		c.Logging.Console = b
	}
	return nil
}

// Validate rejects configurations the module cannot run with
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Cache.Backend {
	case CacheMemory:
		if c.Cache.CleanupInterval <= 0 {
			add("cache.cleanup_interval must be positive")
		}
	case CacheGarnet:
		if c.Cache.URL == "" {
			add("cache.url is required for the garnet backend")
		}
	default:
		add("unknown cache backend %q", c.Cache.Backend)
	}

	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite backend")
		}
	case StoreMongoDB:
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			add("store.mongodb_uri and store.mongodb_database are required for the mongodb backend")
		}
	default:
		add("unknown store backend %q", c.Store.Backend)
	}

	switch c.Identity.Provider {
	case IdentityPocketBase:
		if c.Identity.PocketBaseURL == "" {
			add("identity.pocketbase_url is required for the pocketbase provider")
		}
	case IdentityLocal:
		if len(c.Identity.TokenSecret) < 32 {
			add("identity.token_secret must be at least 32 bytes for the local provider")
		}
	default:
		add("unknown identity provider %q", c.Identity.Provider)
	}
	if c.Identity.Timeout <= 0 {
		add("identity.timeout must be positive")
	}

	if c.Encryption.KDFIterations < envelope.DefaultKDFIterations && !c.Encryption.AllowWeakKDF {
		add("encryption.kdf_iterations must be at least %d", envelope.DefaultKDFIterations)
	}
	if c.Encryption.KDFIterations <= 0 {
		add("encryption.kdf_iterations must be positive")
	}
	if c.Encryption.SplitDEKTTL <= 0 {
		add("encryption.split_dek_ttl must be positive")
	}

	if c.Session.AdminTTL <= 0 || c.Session.UserTTL <= 0 || c.Session.ExtendedTTL <= 0 {
		add("session lifetimes must be positive")
	}
	if c.Session.ExtendedTTL > types.MaxBlacklistTTL {
		add("session.extended_ttl must not exceed %s", types.MaxBlacklistTTL)
	}

	if c.Cookies.TokenName == "" || c.Cookies.DEKName == "" {
		add("cookie names must not be empty")
	}
	if c.Cookies.TokenName == c.Cookies.DEKName {
		add("token and DEK cookies must have different names")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrConfiguration, err)
	}
	return nil
}
