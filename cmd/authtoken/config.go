package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/repository"
	"github.com/nkiryanov/authtoken/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/authtoken/internal/service/gc"
	"github.com/nkiryanov/authtoken/internal/token/jws"
)

const (
	defaultListenAddr     = "localhost:8000"
	defaultLoggingLevel   = logger.LevelInfo
	defaultEnvironment    = "prod"
	defaultSigningAlg     = jws.AlgHS256
	defaultServiceName    = "authtoken"
	defaultServiceVersion = "v0.1.0"
)

// Options are applied in order, later wins:
// defaults, yaml file (--config), '.env' in working dir, process env, flags
type Config struct {
	// Default logging level
	LogLevel string `yaml:"log_level"`

	// Environment: 'prod' logs json, anything else logs text
	Environment string `yaml:"environment"`

	// Address on which the service will be run
	ListenAddr string `yaml:"run_address"`

	// Token store to connect to: postgres://, redis:// or sqlite://
	DatabaseDSN string `yaml:"database_uri"`

	// Signing algorithm and keys
	// For HS* SecretKey is the shared secret, otherwise it may hold private key PEM
	SigningAlg     string `yaml:"signing_alg"`
	SecretKey      string `yaml:"secret_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PublicKeyFile  string `yaml:"public_key_file"`

	AccessTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTTL   time.Duration `yaml:"refresh_token_ttl"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	GCInterval   time.Duration `yaml:"gc_interval"`
	GCRetention  time.Duration `yaml:"gc_retention"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Yaml file to read options from
	ConfigFile string `yaml:"-"`
}

func NewConfig() *Config {
	return &Config{
		LogLevel:       defaultLoggingLevel,
		Environment:    defaultEnvironment,
		ListenAddr:     defaultListenAddr,
		SigningAlg:     defaultSigningAlg,
		AccessTTL:      tokenmanager.DefaultAccessTTL,
		RefreshTTL:     tokenmanager.DefaultRefreshTTL,
		StoreTimeout:   repository.DefaultStoreTimeout,
		GCInterval:     gc.DefaultInterval,
		GCRetention:    gc.DefaultRetention,
		ServiceName:    defaultServiceName,
		ServiceVersion: defaultServiceVersion,
	}
}

// LoadConfig collects options from every source
func LoadConfig(getenv func(string) string, getwd func() (string, error), args []string) (*Config, error) {
	c := NewConfig()

	// Flags are parsed twice: first to find config file, then to override everything else
	probe := NewConfig()
	if err := probe.ParseFlags(args); err != nil {
		return nil, err
	}
	if probe.ConfigFile != "" {
		if err := c.LoadYAML(probe.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := c.LoadDotEnv(getwd); err != nil {
		return nil, fmt.Errorf("error while reading .env. Err: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return nil, err
	}
	if err := c.ParseFlags(args); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error while reading config file. Err: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error while parsing config file %s. Err: %w", path, err)
	}
	return nil
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":       setString(&c.ListenAddr),
		"DATABASE_URI":      setString(&c.DatabaseDSN),
		"SIGNING_ALG":       setString(&c.SigningAlg),
		"SECRET_KEY":        setString(&c.SecretKey),
		"PRIVATE_KEY_FILE":  setString(&c.PrivateKeyFile),
		"PUBLIC_KEY_FILE":   setString(&c.PublicKeyFile),
		"ACCESS_TOKEN_TTL":  setDuration(&c.AccessTTL),
		"REFRESH_TOKEN_TTL": setDuration(&c.RefreshTTL),
		"CLOCK_SKEW":        setDuration(&c.ClockSkew),
		"STORE_TIMEOUT":     setDuration(&c.StoreTimeout),
		"GC_INTERVAL":       setDuration(&c.GCInterval),
		"GC_RETENTION":      setDuration(&c.GCRetention),
		"LOG_LEVEL":         setString(&c.LogLevel),
		"ENVIRONMENT":       setString(&c.Environment),
		"SERVICE_NAME":      setString(&c.ServiceName),
		"SERVICE_VERSION":   setString(&c.ServiceVersion),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s. Err: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("authtoken", pflag.ContinueOnError)

	fs.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "Yaml config file")
	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Token store DSN: postgres://, redis:// or sqlite://")
	fs.StringVar(&c.SigningAlg, "alg", c.SigningAlg, "Signing algorithm (HS256, HS384, HS512, EdDSA, RS256, ES256)")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVar(&c.PrivateKeyFile, "private-key-file", c.PrivateKeyFile, "Private key PEM file")
	fs.StringVar(&c.PublicKeyFile, "public-key-file", c.PublicKeyFile, "Public key PEM file")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.DurationVar(&c.ClockSkew, "clock-skew", c.ClockSkew, "Tolerated clock skew on expiry check")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", c.StoreTimeout, "Token store operation timeout")
	fs.DurationVar(&c.GCInterval, "gc-interval", c.GCInterval, "Expired tokens collection interval")
	fs.DurationVar(&c.GCRetention, "gc-retention", c.GCRetention, "How long expired tokens are kept")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}

// SigningKey builds the key from secret or key files
func (c *Config) SigningKey(readFile func(string) ([]byte, error)) (jws.Key, error) {
	var sign, verify []byte

	if c.SecretKey != "" {
		sign = []byte(c.SecretKey)
	}
	if c.PrivateKeyFile != "" {
		data, err := readFile(c.PrivateKeyFile)
		if err != nil {
			return jws.Key{}, fmt.Errorf("error while reading private key. Err: %w", err)
		}
		sign = data
	}
	if c.PublicKeyFile != "" {
		if strings.HasPrefix(strings.ToUpper(c.SigningAlg), "HS") {
			return jws.Key{}, fmt.Errorf("public key file makes no sense for %s", c.SigningAlg)
		}
		data, err := readFile(c.PublicKeyFile)
		if err != nil {
			return jws.Key{}, fmt.Errorf("error while reading public key. Err: %w", err)
		}
		verify = data
	}

	if sign == nil && verify == nil {
		return jws.Key{}, errors.New("secret key or key files must be set")
	}

	return jws.NewKey(c.SigningAlg, sign, verify)
}
