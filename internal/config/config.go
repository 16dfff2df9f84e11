package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for the API meter server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Billing  BillingConfig
	Usage    UsageConfig
}

type ServerConfig struct {
	Port        int
	Env         string
	APIPrefix   string
	CORSOrigins []string
}

type DatabaseConfig struct {
	URL            string
	Name           string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	URL         string
	IdentityTTL time.Duration
}

type AuthConfig struct {
	SecretKey      string
	Algorithm      string
	AccessTokenTTL time.Duration
	BcryptCost     int
}

type BillingConfig struct {
	PricePerCall float64
}

type UsageConfig struct {
	WriteTimeout time.Duration
}

var validAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        envInt("APP_PORT", 8080),
			Env:         envString("APP_ENV", "development"),
			APIPrefix:   envString("API_PREFIX", "/api/v1"),
			CORSOrigins: envList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			URL:            envString("MONGODB_URL", "mongodb://localhost:27017"),
			Name:           envString("MONGODB_DB_NAME", "api_platform"),
			Username:       os.Getenv("MONGO_USERNAME"),
			Password:       os.Getenv("MONGO_PASSWORD"),
			ConnectTimeout: envDuration("MONGODB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			IdentityTTL: envDuration("IDENTITY_CACHE_TTL", 5*time.Minute),
		},
		Auth: AuthConfig{
			SecretKey:      os.Getenv("SECRET_KEY"),
			Algorithm:      envString("ALGORITHM", "HS256"),
			AccessTokenTTL: envDurationMins("ACCESS_TOKEN_EXPIRE_MINUTES", 30*time.Minute),
			BcryptCost:     envInt("BCRYPT_COST", bcrypt.DefaultCost),
		},
		Billing: BillingConfig{
			PricePerCall: envFloat("PRICE_PER_CALL", 0.01),
		},
		Usage: UsageConfig{
			WriteTimeout: envDuration("USAGE_WRITE_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MongoURL returns the connection string. When both MONGO_USERNAME and
// MONGO_PASSWORD are set, an Atlas SRV URL is composed instead of MONGODB_URL.
func (d DatabaseConfig) MongoURL() string {
	if d.Username != "" && d.Password != "" {
		return fmt.Sprintf("mongodb+srv://%s:%s@cluster0.mongodb.net/%s?retryWrites=true&w=majority",
			url.QueryEscape(d.Username), url.QueryEscape(d.Password), d.Name)
	}
	return d.URL
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return fmt.Errorf("API_PREFIX must start with /, got %q", c.Server.APIPrefix)
	}

	if c.Database.Name == "" {
		return fmt.Errorf("MONGODB_DB_NAME is required")
	}
	mongoURL := c.Database.MongoURL()
	if !strings.HasPrefix(mongoURL, "mongodb://") && !strings.HasPrefix(mongoURL, "mongodb+srv://") {
		return fmt.Errorf("MONGODB_URL must start with mongodb:// or mongodb+srv://, got %q", c.Database.URL)
	}

	if c.Auth.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if !validAlgorithms[c.Auth.Algorithm] {
		return fmt.Errorf("ALGORITHM must be one of HS256, HS384, HS512; got %q", c.Auth.Algorithm)
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_EXPIRE_MINUTES must be positive")
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d",
			bcrypt.MinCost, bcrypt.MaxCost, c.Auth.BcryptCost)
	}

	if c.Billing.PricePerCall < 0 {
		return fmt.Errorf("PRICE_PER_CALL must not be negative, got %v", c.Billing.PricePerCall)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationMins(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	mins, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(mins) * time.Minute
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
