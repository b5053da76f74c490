package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "ag_"

// GenerateRawKey returns a new random API key. It is shown to the caller
// once and only its hash is persisted.
func GenerateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}

// NewAPIKey hashes rawKey into a storable key record.
func NewAPIKey(rawKey string, ownerID uuid.UUID, name string, scopes []string) (*models.APIKey, error) {
	if len(rawKey) < keyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", keyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}
	if scopes == nil {
		scopes = []string{}
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
