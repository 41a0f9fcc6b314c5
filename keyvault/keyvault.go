// Package keyvault custodies agent private keys inside the enclave process.
//
// Keys are derived deterministically from a master seed, so an agent address
// is stable for its owner across restarts of the same enclave. Private key
// material lives only in the vault's unexported state; the package exposes
// addresses, public keys and digest signatures, never key bytes.
package keyvault

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-agent-proxy/interfaces"
	"golang.org/x/crypto/hkdf"
)

// agentKey is the vault-internal record. The private key never leaves it.
type agentKey struct {
	priv      *ecdsa.PrivateKey
	owner     interfaces.UserID
	createdAt int64
}

// Vault derives and holds agent keys for all owners.
type Vault struct {
	masterSeed []byte

	mu     sync.RWMutex
	agents map[interfaces.AgentAddress]*agentKey
	owners map[interfaces.UserID]interfaces.AgentAddress
}

// New creates a vault from a master seed of at least 32 bytes.
func New(masterSeed []byte) (*Vault, error) {
	if len(masterSeed) < 32 {
		return nil, errors.New("master seed must be at least 32 bytes")
	}

	seed := make([]byte, len(masterSeed))
	copy(seed, masterSeed)

	return &Vault{
		masterSeed: seed,
		agents:     make(map[interfaces.AgentAddress]*agentKey),
		owners:     make(map[interfaces.UserID]interfaces.AgentAddress),
	}, nil
}

// GenerateAgent returns the agent address for an owner, deriving the keypair
// on first use. The insert is atomic: concurrent calls for the same new
// owner observe the same resulting address.
func (v *Vault) GenerateAgent(owner interfaces.UserID) (interfaces.AgentAddress, error) {
	v.mu.RLock()
	addr, ok := v.owners[owner]
	v.mu.RUnlock()
	if ok {
		return addr, nil
	}

	priv, err := v.deriveAgentKey(owner)
	if err != nil {
		return interfaces.AgentAddress{}, fmt.Errorf("deriving agent key: %w", err)
	}
	derived := interfaces.AgentAddress(crypto.PubkeyToAddress(priv.PublicKey))

	v.mu.Lock()
	defer v.mu.Unlock()
	if addr, ok := v.owners[owner]; ok {
		return addr, nil
	}
	v.owners[owner] = derived
	v.agents[derived] = &agentKey{
		priv:      priv,
		owner:     owner,
		createdAt: time.Now().Unix(),
	}
	return derived, nil
}

// AgentFor returns the agent address previously generated for an owner.
func (v *Vault) AgentFor(owner interfaces.UserID) (interfaces.AgentAddress, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	addr, ok := v.owners[owner]
	if !ok {
		return interfaces.AgentAddress{}, interfaces.ErrKeyNotFound
	}
	return addr, nil
}

// PublicKeyBytes returns the uncompressed public key for report binding.
func (v *Vault) PublicKeyBytes(agent interfaces.AgentAddress) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.agents[agent]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return crypto.FromECDSAPub(&key.priv.PublicKey), nil
}

// CreatedAt returns the unix creation time of an agent key.
func (v *Vault) CreatedAt(agent interfaces.AgentAddress) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.agents[agent]
	if !ok {
		return 0, interfaces.ErrKeyNotFound
	}
	return key.createdAt, nil
}

// SignDigest signs a pre-computed 32-byte digest with the agent's key and
// returns the signature in wire form with v in {27, 28}. ECDSA over a fixed
// digest is stateless, so concurrent signs with the same key are safe.
func (v *Vault) SignDigest(agent interfaces.AgentAddress, digest [32]byte) (interfaces.Signature, error) {
	v.mu.RLock()
	key, ok := v.agents[agent]
	v.mu.RUnlock()
	if !ok {
		return interfaces.Signature{}, interfaces.ErrKeyNotFound
	}

	sig, err := crypto.Sign(digest[:], key.priv)
	if err != nil {
		return interfaces.Signature{}, fmt.Errorf("signing digest: %w", err)
	}

	return interfaces.Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: uint64(sig[64]) + 27,
	}, nil
}

// deriveAgentKey expands the master seed into the owner's secp256k1 key.
// The counter covers the negligible chance that a candidate falls outside
// the curve order.
func (v *Vault) deriveAgentKey(owner interfaces.UserID) (*ecdsa.PrivateKey, error) {
	for counter := byte(0); counter < 255; counter++ {
		info := fmt.Sprintf("agent-key:%s:%d", owner, counter)
		stream := hkdf.New(sha256.New, v.masterSeed, nil, []byte(info))

		candidate := make([]byte, 32)
		if _, err := io.ReadFull(stream, candidate); err != nil {
			return nil, err
		}

		priv, err := crypto.ToECDSA(candidate)
		if err == nil {
			return priv, nil
		}
	}
	return nil, errors.New("could not derive a valid key")
}
