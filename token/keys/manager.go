package keys

import (
	"context"
	"crypto/rsa"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/strydr/strydr-auth/internal/oautherr"
)

// Manager owns the signing key lifecycle: generation, rotation, grace-window
// retirement and pruning. Verification resolves keys by kid, never by
// "current key", so rotation and verification never contend on anything but
// a short read lock.
type Manager struct {
	repo             Repo
	grace            time.Duration
	maxTokenLifetime time.Duration
	nowTime          func() time.Time

	mu        sync.RWMutex
	ring      map[string]*KeyPair
	activeKID string
}

type ManagerOption func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithGraceWindow sets how long retired keys keep verifying tokens.
func WithGraceWindow(grace time.Duration) ManagerOption {
	return func(m *Manager) {
		m.grace = grace
	}
}

// WithMaxTokenLifetime sets the longest lifetime of any token the manager's
// keys sign. Keys are only pruned after grace + this.
func WithMaxTokenLifetime(lifetime time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxTokenLifetime = lifetime
	}
}

// NewManager loads the key ring from the repo. If no stored key is active,
// whether the ring is empty or carries retired keys only, a fresh pair is
// generated and marked active.
func NewManager(ctx context.Context, repo Repo, options ...ManagerOption) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("[NewManager] repo is required")
	}

	m := &Manager{
		repo:             repo,
		grace:            48 * time.Hour,
		maxTokenLifetime: 24 * time.Hour,
		nowTime:          time.Now,
		ring:             make(map[string]*KeyPair),
	}
	for _, opt := range options {
		opt(m)
	}

	stored, err := repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[NewManager] repo.List")
	}
	for _, sk := range stored {
		kp, err := LoadKeyPairFromPEM(sk.KID, sk.PrivateKeyPEM, sk.CreatedAt, sk.RetiredAt)
		if err != nil {
			return nil, errors.Wrap(err, "[NewManager] LoadKeyPairFromPEM")
		}
		m.ring[kp.KID] = kp
		if !kp.Retired() {
			m.activeKID = kp.KID
		}
	}

	if m.activeKID == "" {
		if _, err := m.rotateLocked(ctx); err != nil {
			return nil, errors.Wrap(err, "[NewManager] initial key generation")
		}
	}

	return m, nil
}

// Active returns the key pair currently used for signing.
func (m *Manager) Active() *KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring[m.activeKID]
}

// VerificationKey resolves a kid to its RSA public key. Retired keys resolve
// until their grace window elapses; anything else is a KeyNotFound.
func (m *Manager) VerificationKey(kid string) (*rsa.PublicKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.ring[kid]
	if !ok {
		return nil, errors.Wrapf(oautherr.ErrKeyNotFound, "[Manager.VerificationKey] unknown kid %q", kid)
	}
	if !kp.InGrace(m.nowTime(), m.grace) {
		return nil, errors.Wrapf(oautherr.ErrKeyNotFound, "[Manager.VerificationKey] kid %q past grace window", kid)
	}
	return kp.PublicKey, nil
}

// PublicKeys returns the active key plus every retired key still inside its
// grace window, newest first.
func (m *Manager) PublicKeys() []*KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.nowTime()
	out := make([]*KeyPair, 0, len(m.ring))
	for _, kp := range m.ring {
		if kp.InGrace(now, m.grace) {
			out = append(out, kp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// JWKS returns the RFC 7517 key set of all publishable keys.
func (m *Manager) JWKS() *JWKS {
	pairs := m.PublicKeys()
	set := &JWKS{Keys: make([]JWK, 0, len(pairs))}
	for _, kp := range pairs {
		set.Keys = append(set.Keys, kp.ToJWK())
	}
	return set
}

// Rotate generates a fresh key pair, makes it the signing key and starts the
// previous active key's grace timer. Verifications in flight are unaffected.
func (m *Manager) Rotate(ctx context.Context) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(ctx)
}

func (m *Manager) rotateLocked(ctx context.Context) (*KeyPair, error) {
	now := m.nowTime().UTC()
	kp, err := GenerateKeyPair(uuid.New().String(), now)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] GenerateKeyPair")
	}

	privatePEM, err := kp.ExportPrivateKeyPEM()
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] ExportPrivateKeyPEM")
	}
	if err := m.repo.Save(ctx, &StoredKey{
		KID:           kp.KID,
		PrivateKeyPEM: privatePEM,
		CreatedAt:     kp.CreatedAt,
	}); err != nil {
		return nil, errors.Wrap(err, "[Manager.Rotate] repo.Save")
	}

	if previous, ok := m.ring[m.activeKID]; ok && !previous.Retired() {
		retiredAt := now
		previous.RetiredAt = &retiredAt
		if err := m.repo.MarkRetired(ctx, previous.KID, retiredAt); err != nil {
			return nil, errors.Wrap(err, "[Manager.Rotate] repo.MarkRetired")
		}
	}

	m.ring[kp.KID] = kp
	m.activeKID = kp.KID

	log.Info().Str("component", "keymanager").Str("kid", kp.KID).Msg("signing key rotated")
	return kp, nil
}

// Prune deletes keys whose grace window plus the maximum token lifetime has
// fully elapsed. No token those keys signed can still verify.
func (m *Manager) Prune(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowTime()
	for kid, kp := range m.ring {
		if kp.RetiredAt == nil {
			continue
		}
		if now.After(kp.RetiredAt.Add(m.grace + m.maxTokenLifetime)) {
			if err := m.repo.Delete(ctx, kid); err != nil {
				return errors.Wrap(err, "[Manager.Prune] repo.Delete")
			}
			delete(m.ring, kid)
			log.Info().Str("component", "keymanager").Str("kid", kid).Msg("retired signing key pruned")
		}
	}
	return nil
}
