// Package policystore implements the CovenantTwin signed-policy loader:
// fetch a policy document from a known submodel element, verify its
// detached Ed25519 signature over the canonical JSON payload, and cache
// the verified policy for a configured TTL.
package policystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/hadijannat/TwinOps/pkg/canonicalize"
	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// Errors returned by Store; both deny verification by default.
var (
	ErrPolicyUnverified = errors.New("policy_unverified")
	ErrPolicyStale      = errors.New("policy_stale")
)

// Fetcher retrieves the raw policy submodel element. It is the Twin
// Client's read_path operation, injected here so the store never knows
// about HTTP.
type Fetcher interface {
	FetchPolicyElement(ctx context.Context) (payload []byte, signatureB64, keyID string, err error)
}

// Verifier checks a detached signature; satisfied by crypto.Ed25519Verifier
// or crypto.Verify wrapped in a small adapter.
type Verifier interface {
	Verify(pubKeyHex, sigHex string, data []byte) (bool, error)
}

// Store is the CovenantTwin loader: current() → Policy | Error.
type Store struct {
	fetcher  Fetcher
	verifier Verifier
	pubKeyHex string

	schemaConstraint *semver.Constraints

	cacheTTL time.Duration
	maxAge   time.Duration

	mu       sync.RWMutex
	cached   *contracts.Policy
	fetchedAt time.Time

	onReload func(*contracts.Policy)
}

// Config configures a Store.
type Config struct {
	PublicKeyHex      string
	CacheTTL          time.Duration
	MaxAge            time.Duration // 0 disables the staleness check
	SchemaConstraint  string        // e.g. "^1.x"; empty disables the check
}

// New constructs a policy store. schemaConstraint, if non-empty, must be a
// valid Masterminds/semver/v3 constraint string.
func New(fetcher Fetcher, verifier Verifier, cfg Config) (*Store, error) {
	s := &Store{
		fetcher:   fetcher,
		verifier:  verifier,
		pubKeyHex: cfg.PublicKeyHex,
		cacheTTL:  cfg.CacheTTL,
		maxAge:    cfg.MaxAge,
	}
	if cfg.SchemaConstraint != "" {
		c, err := semver.NewConstraint(cfg.SchemaConstraint)
		if err != nil {
			return nil, fmt.Errorf("policystore: invalid schema constraint %q: %w", cfg.SchemaConstraint, err)
		}
		s.schemaConstraint = c
	}
	return s, nil
}

// OnReload registers a callback invoked whenever a new policy is
// successfully fetched and verified.
func (s *Store) OnReload(fn func(*contracts.Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = fn
}

// Current returns the verified, non-stale policy, refreshing it if the
// cache TTL has elapsed. On verification failure the previous verified
// policy is discarded and subsequent calls see ErrPolicyUnverified until a
// fresh fetch succeeds.
func (s *Store) Current(ctx context.Context) (*contracts.Policy, error) {
	s.mu.RLock()
	cached := s.cached
	fetchedAt := s.fetchedAt
	s.mu.RUnlock()

	if cached != nil && time.Since(fetchedAt) < s.cacheTTL {
		if err := s.checkStale(fetchedAt); err != nil {
			return nil, err
		}
		return cached, nil
	}

	return s.Reload(ctx)
}

// Reload forces a fetch-and-verify cycle regardless of TTL, for triggered
// policy bundle hot-reload.
func (s *Store) Reload(ctx context.Context) (*contracts.Policy, error) {
	payload, sigB64, keyID, err := s.fetcher.FetchPolicyElement(ctx)
	if err != nil {
		s.invalidate()
		return nil, fmt.Errorf("%w: fetch failed: %v", ErrPolicyUnverified, err)
	}

	var policy contracts.Policy
	if err := unmarshalPolicy(payload, &policy); err != nil {
		s.invalidate()
		return nil, fmt.Errorf("%w: malformed document: %v", ErrPolicyUnverified, err)
	}

	if s.schemaConstraint != nil {
		v, err := semver.NewVersion(policy.SchemaVersion)
		if err != nil || !s.schemaConstraint.Check(v) {
			s.invalidate()
			return nil, fmt.Errorf("%w: schema_version %q does not satisfy constraint", ErrPolicyUnverified, policy.SchemaVersion)
		}
	}

	canonical, err := canonicalize.Transform(rawPolicyPayload(payload))
	if err != nil {
		s.invalidate()
		return nil, fmt.Errorf("%w: canonicalization failed: %v", ErrPolicyUnverified, err)
	}

	sigHex, err := base64ToHex(sigB64)
	if err != nil {
		s.invalidate()
		return nil, fmt.Errorf("%w: bad signature encoding: %v", ErrPolicyUnverified, err)
	}

	ok, err := s.verifier.Verify(s.pubKeyHex, sigHex, canonical)
	if err != nil || !ok {
		s.invalidate()
		return nil, fmt.Errorf("%w: signature check failed", ErrPolicyUnverified)
	}

	policy.Signature = sigHex
	policy.KeyID = keyID
	policy.FetchedAt = time.Now()

	s.mu.Lock()
	s.cached = &policy
	s.fetchedAt = policy.FetchedAt
	cb := s.onReload
	s.mu.Unlock()

	if cb != nil {
		cb(&policy)
	}

	return &policy, nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *Store) checkStale(fetchedAt time.Time) error {
	if s.maxAge <= 0 {
		return nil
	}
	if time.Since(fetchedAt) > s.maxAge {
		return ErrPolicyStale
	}
	return nil
}

func base64ToHex(sigB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", err
	}
	return hexEncode(raw), nil
}
