package exchange

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ruteri/tee-agent-proxy/interfaces"
)

// The exchange verifies L1 actions against a fixed EIP-712 domain; the
// network is selected through the phantom agent source, not the chain id.
const (
	signingDomainName    = "Exchange"
	signingDomainVersion = "1"
	signingDomainChainID = 1337

	mainnetSource = "a"
	testnetSource = "b"
)

// Signer turns validated actions into exchange signatures using keys held by
// the vault. Signing is deterministic: identical (action, nonce, vault
// address, network) inputs always produce identical signatures.
type Signer struct {
	vault     interfaces.KeyVault
	isMainnet bool
	log       *slog.Logger
}

// NewSigner creates a signing engine for the configured network.
func NewSigner(vault interfaces.KeyVault, isMainnet bool, log *slog.Logger) *Signer {
	return &Signer{vault: vault, isMainnet: isMainnet, log: log}
}

// ActionHash computes keccak256 over the canonical action bytes, the nonce
// in big-endian, and the optional vault address with its presence flag.
func ActionHash(action json.RawMessage, nonce uint64, vaultAddress string) ([32]byte, error) {
	actionBytes, err := CanonicalActionBytes(action)
	if err != nil {
		return [32]byte{}, err
	}

	data := make([]byte, 0, len(actionBytes)+8+21)
	data = append(data, actionBytes...)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	data = append(data, nonceBytes[:]...)

	if vaultAddress == "" {
		data = append(data, 0)
	} else {
		vault, err := interfaces.NewAgentAddressFromHex(vaultAddress)
		if err != nil {
			return [32]byte{}, fmt.Errorf("invalid vault address: %w", err)
		}
		data = append(data, 1)
		data = append(data, vault.Bytes()...)
	}

	return crypto.Keccak256Hash(data), nil
}

// SigningDigest wraps an action hash in the phantom-agent typed structure
// and returns the EIP-712 digest to sign. Mainnet and testnet digests differ
// through the agent source field.
func SigningDigest(actionHash [32]byte, isMainnet bool) ([32]byte, error) {
	source := testnetSource
	if isMainnet {
		source = mainnetSource
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              signingDomainName,
			Version:           signingDomainVersion,
			ChainId:           math.NewHexOrDecimal256(signingDomainChainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(actionHash[:]),
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return [32]byte{}, fmt.Errorf("hashing typed data: %w", err)
	}

	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// SignAction encodes an action and signs it with the agent's vault-held key.
// Any signature supplied by the caller has already been discarded at the
// request boundary; the engine always re-signs.
func (s *Signer) SignAction(agent interfaces.AgentAddress, action json.RawMessage, nonce uint64, vaultAddress string) (interfaces.Signature, error) {
	actionHash, err := ActionHash(action, nonce, vaultAddress)
	if err != nil {
		return interfaces.Signature{}, err
	}

	digest, err := SigningDigest(actionHash, s.isMainnet)
	if err != nil {
		return interfaces.Signature{}, err
	}

	sig, err := s.vault.SignDigest(agent, digest)
	if err != nil {
		return interfaces.Signature{}, err
	}

	s.log.Debug("Signed exchange action",
		"agent", agent.Hex(),
		"nonce", nonce,
		"actionHash", hexutil.Encode(actionHash[:]))

	return sig, nil
}
