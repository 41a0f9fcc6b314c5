package exchange

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/ruteri/tee-agent-proxy/keyvault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLog    = slog.New(slog.NewTextHandler(io.Discard, nil))
	testAction = json.RawMessage(`{"type":"cancel","cancels":[{"a":0,"o":123}]}`)
)

func newSignerVault(t *testing.T) (*keyvault.Vault, interfaces.AgentAddress) {
	t.Helper()
	vault, err := keyvault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	agent, err := vault.GenerateAgent("alice")
	require.NoError(t, err)
	return vault, agent
}

func TestActionHashCoversNonce(t *testing.T) {
	first, err := ActionHash(testAction, 1, "")
	require.NoError(t, err)
	second, err := ActionHash(testAction, 2, "")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestActionHashCoversVaultAddress(t *testing.T) {
	without, err := ActionHash(testAction, 1, "")
	require.NoError(t, err)
	with, err := ActionHash(testAction, 1, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	other, err := ActionHash(testAction, 1, "0x2222222222222222222222222222222222222222")
	require.NoError(t, err)

	assert.NotEqual(t, without, with)
	assert.NotEqual(t, with, other)
}

func TestActionHashRejectsBadVaultAddress(t *testing.T) {
	_, err := ActionHash(testAction, 1, "not-an-address")
	require.Error(t, err)
}

func TestSigningDigestNetworkScoped(t *testing.T) {
	actionHash, err := ActionHash(testAction, 1, "")
	require.NoError(t, err)

	mainnet, err := SigningDigest(actionHash, true)
	require.NoError(t, err)
	testnet, err := SigningDigest(actionHash, false)
	require.NoError(t, err)

	assert.NotEqual(t, mainnet, testnet)
}

func TestSignActionDeterministic(t *testing.T) {
	vault, agent := newSignerVault(t)
	signer := NewSigner(vault, false, testLog)

	first, err := signer.SignAction(agent, testAction, 1681923833000, "")
	require.NoError(t, err)
	second, err := signer.SignAction(agent, testAction, 1681923833000, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSignActionRecoversToAgent(t *testing.T) {
	vault, agent := newSignerVault(t)
	signer := NewSigner(vault, false, testLog)

	sig, err := signer.SignAction(agent, testAction, 1681923833000, "")
	require.NoError(t, err)

	actionHash, err := ActionHash(testAction, 1681923833000, "")
	require.NoError(t, err)
	digest, err := SigningDigest(actionHash, false)
	require.NoError(t, err)

	raw := make([]byte, 65)
	copy(raw[:32], hexutil.MustDecode(sig.R))
	copy(raw[32:64], hexutil.MustDecode(sig.S))
	raw[64] = byte(sig.V - 27)

	pubkey, err := crypto.SigToPub(digest[:], raw)
	require.NoError(t, err)
	assert.Equal(t, agent, interfaces.AgentAddress(crypto.PubkeyToAddress(*pubkey)))
}

func TestSignActionNetworksDiverge(t *testing.T) {
	vault, agent := newSignerVault(t)

	mainnetSig, err := NewSigner(vault, true, testLog).SignAction(agent, testAction, 1, "")
	require.NoError(t, err)
	testnetSig, err := NewSigner(vault, false, testLog).SignAction(agent, testAction, 1, "")
	require.NoError(t, err)

	assert.NotEqual(t, mainnetSig, testnetSig)
}

func TestSignActionUnknownAgent(t *testing.T) {
	vault, _ := newSignerVault(t)
	signer := NewSigner(vault, false, testLog)

	unknown, err := interfaces.NewAgentAddressFromHex("0x0102030405060708090a0b0c0d0e0f1011121314")
	require.NoError(t, err)

	_, err = signer.SignAction(unknown, testAction, 1, "")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}
