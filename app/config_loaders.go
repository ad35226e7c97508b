package wolfchat

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvConfigLoader loads the configuration from environment variables.
// The SECRET environment variable is expected to be a base64-encoded string.
// It is decoded into a byte slice and used as the secret key for signing JWT tokens.
// The ALLOWED_ORIGINS environment variable is expected to be a comma-separated list
// of origins that are allowed to connect to the server.
type EnvConfigLoader struct {
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		return nil, err
	}

	// Parse values from environment variables
	port, _ := strconv.Atoi(getEnv("PORT"))

	secret, err := base64.StdEncoding.DecodeString(getEnv("SECRET"))
	if err != nil {
		return nil, errors.New("invalid secret value")
	}

	tokenTTL, _ := time.ParseDuration(getEnv("TOKEN_TTL"))

	allowedOrigins := strings.Split(getEnv("ALLOWED_ORIGINS"), ",")

	config := &Config{
		Port:           port,
		Hostname:       getEnv("HOSTNAME"),
		AllowedOrigins: allowedOrigins,
	}
	config.Auth.Secret = secret
	config.Auth.TokenTTL = tokenTTL
	config.SQLite.File = getEnv("SQLITE_FILE")
	config.SQLite.Migrations = getEnv("MIGRATION_DIR")
	config.Blob.BaseURL = getEnv("BLOB_BASE_URL")
	return config, nil
}

// Utility function to get an environment variable with a default value
func getEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return ""
	}
	return value
}
