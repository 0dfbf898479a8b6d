package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// APIKey is a stored API key record
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	UserID     uuid.UUID  `json:"user_id"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	HeaderName string `mapstructure:"header_name"`
}

// DefaultAuthConfig returns the default auth configuration. Disabled by
// default for development; enable before exposing the API.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:    false,
		HeaderName: "X-API-Key",
	}
}

// APIKeyStore validates API keys against the database
type APIKeyStore struct {
	db *pgxpool.Pool
}

// NewAPIKeyStore creates an API key store
func NewAPIKeyStore(db *pgxpool.Pool) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// HashAPIKey creates a SHA-256 hash of an API key
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateKey checks an API key and returns the associated record
func (s *APIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKey, error) {
	if s.db == nil {
		return nil, pgx.ErrNoRows
	}

	var apiKey APIKey
	err := s.db.QueryRow(ctx, `
		SELECT id, key_hash, name, user_id, last_used_at, created_at, expires_at, revoked
		FROM api_keys WHERE key_hash = $1`, HashAPIKey(key)).Scan(
		&apiKey.ID, &apiKey.KeyHash, &apiKey.Name, &apiKey.UserID,
		&apiKey.LastUsedAt, &apiKey.CreatedAt, &apiKey.ExpiresAt, &apiKey.Revoked)
	if err != nil {
		return nil, err
	}

	if apiKey.Revoked {
		return nil, pgx.ErrNoRows
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}

	// last_used_at is advisory; failures do not block the request
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.db.Exec(ctx,
			`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, apiKey.ID); err != nil {
			log.Debug().Err(err).Msg("Failed to stamp api key usage")
		}
	}()

	return &apiKey, nil
}

// AuthMiddleware authenticates requests via X-API-Key or a Bearer token
func AuthMiddleware(keys *APIKeyStore, cfg *AuthConfig) gin.HandlerFunc {
	if cfg == nil {
		cfg = DefaultAuthConfig()
	}
	header := cfg.HeaderName
	if header == "" {
		header = "X-API-Key"
	}

	return func(c *gin.Context) {
		key := c.GetHeader(header)
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		record, err := keys.ValidateKey(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set("user_id", record.UserID)
		c.Next()
	}
}
