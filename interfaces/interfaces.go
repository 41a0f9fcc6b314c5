package interfaces

import (
	"context"
	"encoding/json"
)

// KeyVault custodies agent private keys. Key material never crosses this
// interface: callers get addresses, public keys and signatures only.
type KeyVault interface {
	// GenerateAgent returns the agent for an owner, creating the keypair on
	// first use. Repeated calls for the same owner return the same address.
	GenerateAgent(owner UserID) (AgentAddress, error)

	// PublicKeyBytes returns the uncompressed secp256k1 public key (65 bytes)
	// for report binding. Fails with ErrKeyNotFound for unknown agents.
	PublicKeyBytes(agent AgentAddress) ([]byte, error)

	// SignDigest signs a pre-computed 32-byte digest with the agent's key.
	SignDigest(agent AgentAddress, digest [32]byte) (Signature, error)
}

// AttestationService produces measurement-bound reports for agents.
type AttestationService interface {
	// Report returns the attestation report binding the agent's public key.
	// Measurement fields and quote bytes are stable across calls for the
	// same agent; only the timestamp advances.
	Report(ctx context.Context, agent AgentAddress) (AttestationReport, error)
}

// Session is the provisioned owner -> agent -> API key binding.
type Session struct {
	Owner     UserID
	Agent     AgentAddress
	APIKey    APIKey
	CreatedAt int64
	ExpiresAt int64
}

// Provision bundles a session with the attestation report issued for it.
type Provision struct {
	Session Session
	Report  AttestationReport
}

// SessionStore maps authenticated owners to agents and API keys.
type SessionStore interface {
	// Register provisions (or returns the existing) agent for an owner.
	// Issuance is idempotent and atomic under concurrent registration.
	Register(ctx context.Context, owner UserID) (*Provision, error)

	// Lookup returns the session for an owner, or ErrSessionNotFound.
	Lookup(owner UserID) (*Session, error)

	// Resolve maps an API key to its agent, or ErrUnauthenticated.
	Resolve(key APIKey) (AgentAddress, error)

	// Stats reports the number of live sessions and distinct owners.
	Stats() (sessions int, owners int)
}

// ActionSigner encodes and signs exchange actions for an agent.
type ActionSigner interface {
	// SignAction produces the exchange signature for (action, nonce). The
	// result is a pure function of its inputs and the agent key.
	SignAction(agent AgentAddress, action json.RawMessage, nonce uint64, vaultAddress string) (Signature, error)
}

// Forwarded is an upstream response relayed verbatim. Its presence marks
// "upstream judged this"; transport failures are errors instead.
type Forwarded struct {
	StatusCode int
	Body       []byte
}

// UpstreamProxy forwards requests to the exchange API.
type UpstreamProxy interface {
	// ForwardInfo forwards an info query. Idempotent, may be retried.
	ForwardInfo(ctx context.Context, body []byte) (*Forwarded, error)

	// ForwardExchange forwards a signed action. Never retried.
	ForwardExchange(ctx context.Context, body []byte) (*Forwarded, error)
}
