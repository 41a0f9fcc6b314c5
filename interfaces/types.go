// Package interfaces defines the core types and component contracts for the
// agent custody service. It provides the boundary between components without
// implementation details.
package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// UserID identifies the owner of an agent. It is either an operator-chosen
// identifier or a case-normalized Ethereum address recovered from a SIWE
// login.
type UserID string

// userIDPattern bounds identifiers to a single printable token. Wallet
// addresses (0x + 40 hex) and operator ids like "test-user-001" both fit.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// NewUserID validates a raw identifier. Empty, overlong, whitespace-laden or
// otherwise malformed identifiers are rejected with ErrInvalidIdentifier.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidIdentifier)
	}
	if !userIDPattern.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	return UserID(raw), nil
}

func (u UserID) String() string { return string(u) }

// APIKey is the opaque bearer token issued per session.
type APIKey string

func (k APIKey) String() string { return string(k) }

// AgentAddress is the 20-byte Ethereum address of an agent keypair.
type AgentAddress common.Address

// NewAgentAddressFromHex parses a 0x-prefixed or bare 40-char hex address.
func NewAgentAddressFromHex(addr string) (AgentAddress, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return AgentAddress{}, errors.New("invalid address length: hex string must be 40 characters")
	}
	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return AgentAddress{}, fmt.Errorf("invalid hex format: %w", err)
	}
	var res AgentAddress
	copy(res[:], addrBytes)
	return res, nil
}

// Hex returns the lowercase 0x-prefixed representation used in all responses.
func (a AgentAddress) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns the raw 20-byte address.
func (a AgentAddress) Bytes() []byte { return a[:] }

// Equal compares two agent addresses.
func (a AgentAddress) Equal(other AgentAddress) bool { return a == other }

// Signature is an ECDSA signature in the exchange's wire form: 0x-prefixed
// 32-byte r and s, and the Ethereum recovery id v (27 or 28).
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint64 `json:"v"`
}

// AttestationReport binds an agent public key to the enclave measurements.
// Quote is hex-encoded and always QuoteSize raw bytes.
type AttestationReport struct {
	Quote     string `json:"quote"`
	MrEnclave string `json:"mrenclave"`
	MrSigner  string `json:"mrsigner"`
	Timestamp int64  `json:"timestamp"`
}

// QuoteSize is the raw quote blob size expected by the upstream registry.
const QuoteSize = 8000
