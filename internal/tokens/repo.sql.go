package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// Insert persists a freshly issued credential.
func (r *PGRepository) Insert(ctx context.Context, cred Credential) (Credential, error) {
	abilities, err := json.Marshal(cred.Abilities)
	if err != nil {
		return Credential{}, err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO access_tokens (user_id, name, token_type, digest, abilities, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`,
		cred.UserID, cred.Name, cred.TokenType, cred.Digest, abilities,
	).Scan(&cred.ID, &cred.CreatedAt)
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// FindByDigest fetches a credential by its secret digest.
func (r *PGRepository) FindByDigest(ctx context.Context, digest string) (Credential, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, name, token_type, digest, abilities, revoked, revoked_reason, revoked_at, last_used_at, created_at
		FROM access_tokens WHERE digest = $1`, digest)
	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, shared.ErrNotFound
		}
		return Credential{}, err
	}
	return cred, nil
}

// ListActiveForActor returns the actor's non-revoked credentials.
func (r *PGRepository) ListActiveForActor(ctx context.Context, userID int64) ([]Credential, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, name, token_type, digest, abilities, revoked, revoked_reason, revoked_at, last_used_at, created_at
		FROM access_tokens
		WHERE user_id = $1 AND NOT revoked
		ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var creds []Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// UpdateAbilitiesForActor rewrites ability snapshots on all live credentials.
func (r *PGRepository) UpdateAbilitiesForActor(ctx context.Context, userID int64, abilities []string) (int64, error) {
	if abilities == nil {
		abilities = []string{}
	}
	payload, err := json.Marshal(abilities)
	if err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE access_tokens SET abilities = $2
		WHERE user_id = $1 AND NOT revoked`, userID, payload)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RevokeAllForActor revokes every live credential of the actor.
func (r *PGRepository) RevokeAllForActor(ctx context.Context, userID int64, reason string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE access_tokens SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE user_id = $1 AND NOT revoked`, userID, reason, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Revoke revokes a single credential by ID.
func (r *PGRepository) Revoke(ctx context.Context, id int64, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE access_tokens SET revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND NOT revoked`, id, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanCredential(row pgx.Row) (Credential, error) {
	var cred Credential
	var abilities []byte
	err := row.Scan(&cred.ID, &cred.UserID, &cred.Name, &cred.TokenType, &cred.Digest, &abilities,
		&cred.Revoked, &cred.RevokedReason, &cred.RevokedAt, &cred.LastUsedAt, &cred.CreatedAt)
	if err != nil {
		return Credential{}, err
	}
	if len(abilities) > 0 {
		if err := json.Unmarshal(abilities, &cred.Abilities); err != nil {
			return Credential{}, err
		}
	}
	return cred, nil
}
