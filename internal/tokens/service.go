package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

const secretBytes = 32

// AbilityResolver supplies the actor's effective privilege slugs.
type AbilityResolver interface {
	ResolvePrivileges(ctx context.Context, userID int64) ([]string, error)
}

// Service issues and revokes credentials. The plaintext secret is returned
// exactly once; only its BLAKE2b-256 digest is stored.
type Service struct {
	repo     Repository
	resolver AbilityResolver
}

// NewService constructs a Service.
func NewService(repo Repository, resolver AbilityResolver) *Service {
	return &Service{repo: repo, resolver: resolver}
}

// Issue creates a credential for the actor with an ability snapshot seeded
// from the current resolution. Returns the plaintext secret and the stored
// record.
func (s *Service) Issue(ctx context.Context, userID int64, name, tokenType string) (string, Credential, error) {
	if name == "" {
		return "", Credential{}, fmt.Errorf("token name required: %w", shared.ErrInvariant)
	}
	if tokenType == "" {
		tokenType = "api"
	}
	abilities, err := s.resolver.ResolvePrivileges(ctx, userID)
	if err != nil {
		return "", Credential{}, err
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", Credential{}, err
	}
	plaintext := "gh_" + hex.EncodeToString(buf)
	cred, err := s.repo.Insert(ctx, Credential{
		UserID:    userID,
		Name:      name,
		TokenType: tokenType,
		Digest:    Digest(plaintext),
		Abilities: abilities,
	})
	if err != nil {
		return "", Credential{}, err
	}
	return plaintext, cred, nil
}

// Authenticate resolves a plaintext secret to its live credential. Revoked
// credentials never authenticate, whatever their snapshot says.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (Credential, error) {
	cred, err := s.repo.FindByDigest(ctx, Digest(plaintext))
	if err != nil {
		return Credential{}, err
	}
	if cred.Revoked {
		return Credential{}, shared.ErrNotFound
	}
	return cred, nil
}

// Revoke revokes a single credential.
func (s *Service) Revoke(ctx context.Context, id int64, reason string) error {
	return s.repo.Revoke(ctx, id, reason, time.Now().UTC())
}

// ListActive returns the actor's non-revoked credentials.
func (s *Service) ListActive(ctx context.Context, userID int64) ([]Credential, error) {
	return s.repo.ListActiveForActor(ctx, userID)
}

// Digest hashes a plaintext secret for storage and lookup.
func Digest(plaintext string) string {
	sum := blake2b.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
