package tokens

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-id/gatehouse/internal/shared"
)

type mockTokenRepo struct {
	mu     sync.Mutex
	creds  map[int64]Credential
	nextID int64

	updateErr error
	revokeErr error
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{creds: make(map[int64]Credential), nextID: 1}
}

func (m *mockTokenRepo) Insert(ctx context.Context, cred Credential) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.ID = m.nextID
	m.nextID++
	cred.CreatedAt = time.Now()
	m.creds[cred.ID] = cred
	return cred, nil
}

func (m *mockTokenRepo) FindByDigest(ctx context.Context, digest string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.Digest == digest {
			return c, nil
		}
	}
	return Credential{}, shared.ErrNotFound
}

func (m *mockTokenRepo) ListActiveForActor(ctx context.Context, userID int64) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Credential
	for id := int64(1); id < m.nextID; id++ {
		c, ok := m.creds[id]
		if ok && c.UserID == userID && !c.Revoked {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockTokenRepo) UpdateAbilitiesForActor(ctx context.Context, userID int64, abilities []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return 0, m.updateErr
	}
	var n int64
	for id, c := range m.creds {
		if c.UserID == userID && !c.Revoked {
			c.Abilities = append([]string(nil), abilities...)
			m.creds[id] = c
			n++
		}
	}
	return n, nil
}

func (m *mockTokenRepo) RevokeAllForActor(ctx context.Context, userID int64, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.revokeErr != nil {
		return 0, m.revokeErr
	}
	var n int64
	for id, c := range m.creds {
		if c.UserID == userID && !c.Revoked {
			c.Revoked = true
			c.RevokedReason = reason
			revokedAt := at
			c.RevokedAt = &revokedAt
			m.creds[id] = c
			n++
		}
	}
	return n, nil
}

func (m *mockTokenRepo) Revoke(ctx context.Context, id int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok || c.Revoked {
		return shared.ErrNotFound
	}
	c.Revoked = true
	c.RevokedReason = reason
	revokedAt := at
	c.RevokedAt = &revokedAt
	m.creds[id] = c
	return nil
}

var _ Repository = (*mockTokenRepo)(nil)

type staticResolver struct {
	abilities []string
	err       error
}

func (r *staticResolver) ResolvePrivileges(ctx context.Context, userID int64) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.abilities, nil
}

func TestIssueSeedsAbilitySnapshot(t *testing.T) {
	ctx := context.Background()
	repo := newMockTokenRepo()
	service := NewService(repo, &staticResolver{abilities: []string{"content.publish", "reports.*"}})

	plaintext, cred, err := service.Issue(ctx, 7, "ci", "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plaintext, "gh_"))
	require.Equal(t, "api", cred.TokenType)
	require.Equal(t, []string{"content.publish", "reports.*"}, cred.Abilities)
	require.Equal(t, Digest(plaintext), cred.Digest)
	require.NotEqual(t, plaintext, cred.Digest, "plaintext must never be stored")
}

func TestIssueRequiresName(t *testing.T) {
	service := NewService(newMockTokenRepo(), &staticResolver{})
	_, _, err := service.Issue(context.Background(), 7, "", "api")
	require.ErrorIs(t, err, shared.ErrInvariant)
}

func TestAuthenticateRejectsRevoked(t *testing.T) {
	ctx := context.Background()
	repo := newMockTokenRepo()
	service := NewService(repo, &staticResolver{})

	plaintext, cred, err := service.Issue(ctx, 7, "ci", "api")
	require.NoError(t, err)

	got, err := service.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, cred.ID, got.ID)

	require.NoError(t, service.Revoke(ctx, cred.ID, "rotated"))
	_, err = service.Authenticate(ctx, plaintext)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAuthenticateUnknownSecret(t *testing.T) {
	service := NewService(newMockTokenRepo(), &staticResolver{})
	_, err := service.Authenticate(context.Background(), "gh_bogus")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDigestIsStable(t *testing.T) {
	a := Digest("gh_secret")
	b := Digest("gh_secret")
	require.Equal(t, a, b)
	require.NotEqual(t, a, Digest("gh_other"))
	require.Len(t, a, 64)
}

func TestIssuePropagatesResolverFailure(t *testing.T) {
	service := NewService(newMockTokenRepo(), &staticResolver{err: errors.New("store down")})
	_, _, err := service.Issue(context.Background(), 7, "ci", "api")
	require.Error(t, err)
}
