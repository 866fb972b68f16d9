package tokens

import "time"

// Credential is a long-lived bearer token issued to an actor. It embeds a
// snapshot of the actor's ability slugs; the synchronizer keeps that
// snapshot aligned with the live permission graph so a revoked privilege
// cannot survive inside a stale token.
type Credential struct {
	ID            int64
	UserID        int64
	Name          string
	TokenType     string
	Digest        string
	Abilities     []string
	Revoked       bool
	RevokedReason string
	RevokedAt     *time.Time
	LastUsedAt    *time.Time
	CreatedAt     time.Time
}
