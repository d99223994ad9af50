package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Auth0Config holds Auth0 login, verification and management configuration.
type Auth0Config struct {
	Domain       string // e.g., "your-tenant.auth0.com"
	Audience     string // e.g., "https://api.orgcrm.io"
	ClientID     string
	ClientSecret string
	CallbackURL  string

	// Management API credentials. Fall back to the login client when unset.
	MgmtClientID     string
	MgmtClientSecret string
	AdminRoleID      string // optional
}

// DatabaseConfig holds PostgreSQL connection configuration for the identity cache.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// MongoConfig holds document store configuration.
type MongoConfig struct {
	URI      string
	Database string
}

// LLMConfig selects the language model used for query generation.
type LLMConfig struct {
	Provider        string // "openai" or "anthropic"
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
}

type Config struct {
	Port            string
	Environment     string
	FrontendURL     string
	SessionKey      []byte // 32-byte key for session cookie encryption
	QueryRateLimit  string // ulule/limiter format, e.g. "10-M"
	UpstreamTimeout time.Duration
	Database        DatabaseConfig
	Mongo           MongoConfig
	Auth0           Auth0Config
	LLM             LLMConfig
}

// IsDevelopment reports whether the service runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads configuration from environment variables, after merging a
// .env file from the working directory if one exists.
// It fails fast with clear errors for missing required values.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	var missing []string

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "staging" && env != "production" {
		return nil, fmt.Errorf("invalid ENV value %q: must be development, staging, or production", env)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		missing = append(missing, "MONGODB_URI")
	}

	auth0Domain := os.Getenv("AUTH0_DOMAIN")
	if auth0Domain == "" {
		missing = append(missing, "AUTH0_DOMAIN")
	}

	auth0Audience := os.Getenv("AUTH0_AUDIENCE")
	if auth0Audience == "" {
		missing = append(missing, "AUTH0_AUDIENCE")
	}

	clientID := os.Getenv("AUTH0_CLIENT_ID")
	if clientID == "" {
		missing = append(missing, "AUTH0_CLIENT_ID")
	}

	clientSecret := os.Getenv("AUTH0_CLIENT_SECRET")
	if clientSecret == "" {
		missing = append(missing, "AUTH0_CLIENT_SECRET")
	}

	sessionKeyB64 := os.Getenv("SESSION_KEY")
	if sessionKeyB64 == "" {
		missing = append(missing, "SESSION_KEY")
	}

	llmProvider := getEnv("LLM_PROVIDER", "openai")
	switch llmProvider {
	case "openai":
		if os.Getenv("OPENAI_API_KEY") == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
	case "anthropic":
		if os.Getenv("ANTHROPIC_API_KEY") == "" {
			missing = append(missing, "ANTHROPIC_API_KEY")
		}
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER value %q: must be openai or anthropic", llmProvider)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if err := validateDatabaseURL(databaseURL); err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	if err := validateMongoURI(mongoURI); err != nil {
		return nil, fmt.Errorf("invalid MONGODB_URI: %w", err)
	}

	if err := validateAuth0Domain(auth0Domain); err != nil {
		return nil, fmt.Errorf("invalid AUTH0_DOMAIN: %w", err)
	}

	sessionKey, err := decodeSessionKey(sessionKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_KEY: %w", err)
	}

	upstreamTimeout, err := getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
	}

	dbConfig := DatabaseConfig{
		URL:             databaseURL,
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvInt("DB_CONN_MAX_LIFETIME", 300),
	}

	return &Config{
		Port:            port,
		Environment:     env,
		FrontendURL:     strings.TrimSuffix(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
		SessionKey:      sessionKey,
		QueryRateLimit:  getEnv("QUERY_RATE_LIMIT", "10-M"),
		UpstreamTimeout: upstreamTimeout,
		Database:        dbConfig,
		Mongo: MongoConfig{
			URI:      mongoURI,
			Database: getEnv("MONGODB_DATABASE", "memberdb"),
		},
		Auth0: Auth0Config{
			Domain:           auth0Domain,
			Audience:         auth0Audience,
			ClientID:         clientID,
			ClientSecret:     clientSecret,
			CallbackURL:      getEnv("AUTH0_CALLBACK_URL", "http://localhost:"+port+"/auth"),
			MgmtClientID:     getEnv("AUTH0_MGMT_CLIENT_ID", clientID),
			MgmtClientSecret: getEnv("AUTH0_MGMT_CLIENT_SECRET", clientSecret),
			AdminRoleID:      os.Getenv("AUTH0_ADMIN_ROLE_ID"),
		},
		LLM: LLMConfig{
			Provider:        llmProvider,
			Model:           os.Getenv("LLM_MODEL"),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		},
	}, nil
}

// loadDotEnv merges a dotenv file into the environment without
// overriding variables that are already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// decodeSessionKey decodes and validates a base64-encoded 32-byte key.
func decodeSessionKey(b64Key string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64Key))
	if err != nil {
		return nil, fmt.Errorf("must be valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

// validateAuth0Domain ensures the Auth0 domain is properly formatted.
func validateAuth0Domain(domain string) error {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	// Should not include protocol
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return fmt.Errorf("domain should not include protocol (http:// or https://)")
	}

	if !strings.Contains(domain, ".") {
		return fmt.Errorf("domain must be a valid hostname (e.g., your-tenant.auth0.com)")
	}

	return nil
}

// validateDatabaseURL ensures the database URL is a valid PostgreSQL connection string.
func validateDatabaseURL(dbURL string) error {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}

	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("URL must use postgres or postgresql scheme, got %q", parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host")
	}

	return nil
}

func validateMongoURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("malformed URI: %w", err)
	}

	if parsed.Scheme != "mongodb" && parsed.Scheme != "mongodb+srv" {
		return fmt.Errorf("URI must use mongodb or mongodb+srv scheme, got %q", parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("URI must include a host")
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt reads an environment variable as an integer with a default fallback.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
