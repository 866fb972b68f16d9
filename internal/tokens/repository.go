package tokens

import (
	"context"
	"time"
)

// Repository defines persistence operations for credentials.
type Repository interface {
	Insert(ctx context.Context, cred Credential) (Credential, error)
	FindByDigest(ctx context.Context, digest string) (Credential, error)
	ListActiveForActor(ctx context.Context, userID int64) ([]Credential, error)
	// UpdateAbilitiesForActor overwrites the ability snapshot on every
	// non-revoked credential of the actor, returning the number rewritten.
	UpdateAbilitiesForActor(ctx context.Context, userID int64, abilities []string) (int64, error)
	// RevokeAllForActor revokes every non-revoked credential of the actor.
	RevokeAllForActor(ctx context.Context, userID int64, reason string, at time.Time) (int64, error)
	Revoke(ctx context.Context, id int64, reason string, at time.Time) error
}
