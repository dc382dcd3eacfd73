package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/medflow/pharmstock/pkg/actor"
	"github.com/medflow/pharmstock/pkg/database"
	apperrors "github.com/medflow/pharmstock/pkg/errors"
)

// CachedPrincipal is a user known from user events. Used to resolve display
// names for movements and sales when a request carries only a user ID.
type CachedPrincipal struct {
	UserID    string  `db:"user_id" json:"user_id"`
	FirstName string  `db:"first_name" json:"first_name"`
	LastName  string  `db:"last_name" json:"last_name"`
	Email     *string `db:"email" json:"email,omitempty"`
	RoleName  *string `db:"role_name" json:"role_name,omitempty"`
}

// FullName returns the principal's full name
func (p *CachedPrincipal) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ToActor converts the cached principal to an Actor.
func (p *CachedPrincipal) ToActor() *actor.Actor {
	if p == nil {
		return nil
	}
	a := &actor.Actor{
		ID:        p.UserID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.RoleName != nil {
		a.RoleName = *p.RoleName
	}
	return a
}

// PrincipalCacheRepository handles principal cache persistence
type PrincipalCacheRepository struct {
	db *database.DB
}

// NewPrincipalCacheRepository creates a new principal cache repository
func NewPrincipalCacheRepository(db *database.DB) *PrincipalCacheRepository {
	return &PrincipalCacheRepository{db: db}
}

// Set creates or updates a cached principal
func (r *PrincipalCacheRepository) Set(ctx context.Context, p *CachedPrincipal) error {
	query := `
		INSERT INTO principal_cache (user_id, first_name, last_name, email, role_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET first_name = $2, last_name = $3, email = $4, role_name = $5, updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query, p.UserID, p.FirstName, p.LastName, p.Email, p.RoleName)
	return database.MapError(err)
}

// Get gets a cached principal by user ID
func (r *PrincipalCacheRepository) Get(ctx context.Context, userID string) (*CachedPrincipal, error) {
	var p CachedPrincipal
	query := `SELECT user_id, first_name, last_name, email, role_name FROM principal_cache WHERE user_id = $1`
	if err := r.db.GetContext(ctx, &p, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("principal")
		}
		return nil, database.MapError(err)
	}
	return &p, nil
}

// Delete deletes a cached principal
func (r *PrincipalCacheRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM principal_cache WHERE user_id = $1`, userID)
	return database.MapError(err)
}
