package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	// ScopeGrade allows running jobs and recording evaluations on owned work.
	ScopeGrade = "grade"
	// ScopeAdmin grants scheme authoring and access to every job and batch.
	ScopeAdmin = "admin"
)

// APIKey represents an authentication key for API access.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	OwnerID    uuid.UUID  `db:"owner_id"     json:"owner_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// HasScope reports whether the key carries scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Caller is the identity supplied by the auth collaborator.
type Caller struct {
	UserID  uuid.UUID
	IsAdmin bool
}

// CanAccess reports whether the caller owns, or may act on, a resource.
func (c Caller) CanAccess(ownerID uuid.UUID) bool {
	return c.IsAdmin || c.UserID == ownerID
}
