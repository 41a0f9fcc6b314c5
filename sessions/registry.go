// Package sessions maps authenticated owners to their provisioned agent and
// API key.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/ruteri/tee-agent-proxy/metrics"
)

// sessionTTL is the advisory expiry horizon carried in login responses.
// Sessions are not reaped locally; revocation is an upstream state change.
const sessionTTL = 24 * time.Hour

// Registry is the only writer of session records. One owner maps to exactly
// one agent and one live API key for the registry's lifetime.
type Registry struct {
	vault       interfaces.KeyVault
	attestation interfaces.AttestationService
	log         *slog.Logger

	mu      sync.RWMutex
	byOwner map[interfaces.UserID]*interfaces.Session
	byKey   map[interfaces.APIKey]*interfaces.Session
	order   []interfaces.UserID
}

// NewRegistry creates a session registry over the given vault and
// attestation service.
func NewRegistry(vault interfaces.KeyVault, att interfaces.AttestationService, log *slog.Logger) *Registry {
	return &Registry{
		vault:       vault,
		attestation: att,
		log:         log,
		byOwner:     make(map[interfaces.UserID]*interfaces.Session),
		byKey:       make(map[interfaces.APIKey]*interfaces.Session),
	}
}

// Register provisions an agent, session and attestation report for an owner,
// or returns the existing provision. Registration is atomic: the session is
// only recorded once the full triple exists, and under concurrent
// registration exactly one caller's session wins, with both observing the
// same agent address.
func (r *Registry) Register(ctx context.Context, owner interfaces.UserID) (*interfaces.Provision, error) {
	if _, err := interfaces.NewUserID(owner.String()); err != nil {
		return nil, err
	}

	r.mu.RLock()
	existing, ok := r.byOwner[owner]
	r.mu.RUnlock()
	if ok {
		return r.provisionFor(ctx, existing)
	}

	// Key derivation is idempotent, so racing registrations converge on the
	// same agent before the session insert decides the API key.
	agent, err := r.vault.GenerateAgent(owner)
	if err != nil {
		return nil, fmt.Errorf("generating agent: %w", err)
	}

	report, err := r.attestation.Report(ctx, agent)
	if err != nil {
		return nil, err
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return nil, fmt.Errorf("issuing api key: %w", err)
	}

	now := time.Now()
	session := &interfaces.Session{
		Owner:     owner,
		Agent:     agent,
		APIKey:    apiKey,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(sessionTTL).Unix(),
	}

	r.mu.Lock()
	if winner, ok := r.byOwner[owner]; ok {
		// Lost the race; the winner's API key is the live one.
		session = winner
	} else {
		r.byOwner[owner] = session
		r.byKey[apiKey] = session
		r.order = append(r.order, owner)
		metrics.SessionsActive.Set(float64(len(r.byOwner)))
	}
	r.mu.Unlock()

	r.log.Info("Provisioned agent session", "owner", owner.String(), "agent", agent.Hex())

	return &interfaces.Provision{Session: *session, Report: report}, nil
}

// provisionFor rebuilds the provision for an existing session. The report is
// cached per agent, so repeat provisions carry bit-identical quotes.
func (r *Registry) provisionFor(ctx context.Context, session *interfaces.Session) (*interfaces.Provision, error) {
	report, err := r.attestation.Report(ctx, session.Agent)
	if err != nil {
		return nil, err
	}
	return &interfaces.Provision{Session: *session, Report: report}, nil
}

// Lookup returns the session for an owner.
func (r *Registry) Lookup(owner interfaces.UserID) (*interfaces.Session, error) {
	if _, err := interfaces.NewUserID(owner.String()); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byOwner[owner]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// Resolve maps an API key to its agent address. Empty, unknown or malformed
// keys fail with ErrUnauthenticated.
func (r *Registry) Resolve(key interfaces.APIKey) (interfaces.AgentAddress, error) {
	if key == "" {
		return interfaces.AgentAddress{}, interfaces.ErrUnauthenticated
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byKey[key]
	if !ok {
		return interfaces.AgentAddress{}, interfaces.ErrUnauthenticated
	}
	return session.Agent, nil
}

// First returns the earliest provisioned session, for the debug surface.
func (r *Registry) First() (*interfaces.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	session := *r.byOwner[r.order[0]]
	return &session, true
}

// Stats reports live session and owner counts.
func (r *Registry) Stats() (sessions int, owners int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey), len(r.byOwner)
}

// newAPIKey issues an opaque bearer token: "ak_" + 32 hex chars of CSPRNG
// output. Collisions across concurrent issuance are ruled out by the key
// space; the session insert is the uniqueness point regardless.
func newAPIKey() (interfaces.APIKey, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return interfaces.APIKey("ak_" + hex.EncodeToString(raw[:])), nil
}
