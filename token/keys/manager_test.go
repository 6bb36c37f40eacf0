package keys_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strydr/strydr-auth/internal/oautherr"
	"github.com/strydr/strydr-auth/token/keys"
)

func newManager(t *testing.T, now *time.Time, options ...keys.ManagerOption) *keys.Manager {
	t.Helper()
	options = append(options, keys.WithNowTime(func() time.Time { return *now }))
	m, err := keys.NewManager(context.Background(), keys.NewInMemoryRepo(), options...)
	require.NoError(t, err)
	return m
}

func TestNewManagerGeneratesInitialKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, &now)

	active := m.Active()
	require.NotNil(t, active)
	require.False(t, active.Retired())
	require.Len(t, m.PublicKeys(), 1)
}

func TestRotateKeepsExactlyOneActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, &now)

	first := m.Active()
	rotated, err := m.Rotate(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.KID, rotated.KID)
	require.Equal(t, rotated.KID, m.Active().KID)

	active := 0
	for _, kp := range m.PublicKeys() {
		if !kp.Retired() {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestRetiredKeyResolvesWithinGrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, &now, keys.WithGraceWindow(48*time.Hour))

	first := m.Active()
	_, err := m.Rotate(context.Background())
	require.NoError(t, err)

	// Rotate again; the first key is two rotations back but still in grace.
	_, err = m.Rotate(context.Background())
	require.NoError(t, err)

	pub, err := m.VerificationKey(first.KID)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey, pub)

	now = now.Add(47 * time.Hour)
	_, err = m.VerificationKey(first.KID)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.VerificationKey(first.KID)
	require.ErrorIs(t, err, oautherr.ErrKeyNotFound)
}

func TestUnknownKID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, &now)

	_, err := m.VerificationKey("no-such-kid")
	require.ErrorIs(t, err, oautherr.ErrKeyNotFound)
}

func TestJWKSListsActiveAndGraceKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, &now, keys.WithGraceWindow(48*time.Hour))

	_, err := m.Rotate(context.Background())
	require.NoError(t, err)

	set := m.JWKS()
	require.Len(t, set.Keys, 2)
	for _, jwk := range set.Keys {
		require.Equal(t, "RSA", jwk.Kty)
		require.Equal(t, "sig", jwk.Use)
		require.Equal(t, keys.RS256, jwk.Alg)
		require.NotEmpty(t, jwk.Kid)
		require.NotEmpty(t, jwk.N)
		require.NotEmpty(t, jwk.E)
	}

	// Once the retired key leaves its grace window it drops out of the set.
	now = now.Add(49 * time.Hour)
	require.Len(t, m.JWKS().Keys, 1)
}

func TestPruneDeletesOnlyAfterGracePlusLifetime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := keys.NewInMemoryRepo()
	m, err := keys.NewManager(context.Background(), repo,
		keys.WithNowTime(func() time.Time { return now }),
		keys.WithGraceWindow(48*time.Hour),
		keys.WithMaxTokenLifetime(24*time.Hour))
	require.NoError(t, err)

	first := m.Active()
	_, err = m.Rotate(context.Background())
	require.NoError(t, err)

	// Inside grace + lifetime: nothing pruned.
	now = now.Add(71 * time.Hour)
	require.NoError(t, m.Prune(context.Background()))
	stored, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 2)

	now = now.Add(2 * time.Hour)
	require.NoError(t, m.Prune(context.Background()))
	stored, err = repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)

	_, err = m.VerificationKey(first.KID)
	require.ErrorIs(t, err, oautherr.ErrKeyNotFound)
}

func TestManagerReloadsRingFromRepo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := keys.NewInMemoryRepo()
	nowFunc := func() time.Time { return now }

	m1, err := keys.NewManager(context.Background(), repo, keys.WithNowTime(nowFunc))
	require.NoError(t, err)
	_, err = m1.Rotate(context.Background())
	require.NoError(t, err)
	activeKID := m1.Active().KID

	m2, err := keys.NewManager(context.Background(), repo, keys.WithNowTime(nowFunc))
	require.NoError(t, err)
	require.Equal(t, activeKID, m2.Active().KID)
	require.Len(t, m2.PublicKeys(), 2)
}
