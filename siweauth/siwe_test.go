package siweauth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	siwe "github.com/spruceid/siwe-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/tee-agent-proxy/attestation"
	"github.com/ruteri/tee-agent-proxy/cryptoutils"
	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/ruteri/tee-agent-proxy/keyvault"
	"github.com/ruteri/tee-agent-proxy/sessions"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()

	seed := []byte("0123456789abcdef0123456789abcdef")
	vault, err := keyvault.New(seed)
	require.NoError(t, err)

	att := attestation.NewService(cryptoutils.DummyAttestationProvider{Seed: seed}, vault, testLog)
	registry := sessions.NewRegistry(vault, att, testLog)
	return NewAuthenticator(registry, testLog)
}

// signedLogin builds a valid SIWE message for the given wallet key and signs
// it with the EIP-191 personal-sign scheme.
func signedLogin(t *testing.T, key *ecdsa.PrivateKey) (message, signature string) {
	t.Helper()

	wallet := crypto.PubkeyToAddress(key.PublicKey)
	msg, err := siwe.InitMessage(
		"localhost",
		wallet.Hex(),
		"https://localhost/agents/login",
		"deadbeef01",
		map[string]interface{}{
			"statement": "Generate agent wallet for TEE-secured trading.",
		},
	)
	require.NoError(t, err)

	message = msg.String()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	require.NoError(t, err)
	sig[64] += 27

	return message, hexutil.Encode(sig)
}

func TestLogin(t *testing.T) {
	auth := newTestAuthenticator(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message, signature := signedLogin(t, key)

	result, err := auth.Login(context.Background(), message, signature)
	require.NoError(t, err)

	wallet := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	assert.Equal(t, wallet, result.UserAddress)
	assert.Equal(t, interfaces.UserID(wallet), result.Provision.Session.Owner)
	assert.False(t, result.Existing)
	assert.True(t, strings.HasPrefix(result.Provision.Session.APIKey.String(), "ak_"))
	assert.Len(t, result.Provision.Report.Quote, interfaces.QuoteSize*2)
}

func TestLoginRepeatReturnsExistingSession(t *testing.T) {
	auth := newTestAuthenticator(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message, signature := signedLogin(t, key)

	first, err := auth.Login(context.Background(), message, signature)
	require.NoError(t, err)
	second, err := auth.Login(context.Background(), message, signature)
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.Provision.Session, second.Provision.Session)
	assert.Equal(t, first.Provision.Report.Quote, second.Provision.Report.Quote)
}

func TestLoginDistinctWallets(t *testing.T) {
	auth := newTestAuthenticator(t)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)

	msgA, sigA := signedLogin(t, keyA)
	msgB, sigB := signedLogin(t, keyB)

	resultA, err := auth.Login(context.Background(), msgA, sigA)
	require.NoError(t, err)
	resultB, err := auth.Login(context.Background(), msgB, sigB)
	require.NoError(t, err)

	assert.NotEqual(t, resultA.Provision.Session.Agent, resultB.Provision.Session.Agent)
}

func TestLoginWrongSigner(t *testing.T) {
	auth := newTestAuthenticator(t)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)

	// Message claims wallet A but is signed by wallet B.
	message, _ := signedLogin(t, keyA)
	_, signature := signedLogin(t, keyB)

	_, err = auth.Login(context.Background(), message, signature)
	assert.ErrorIs(t, err, interfaces.ErrUnauthenticated)
}

func TestLoginGarbageSignature(t *testing.T) {
	auth := newTestAuthenticator(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	message, _ := signedLogin(t, key)

	for _, sig := range []string{"", "0x1234", "not hex at all"} {
		_, err := auth.Login(context.Background(), message, sig)
		assert.ErrorIs(t, err, interfaces.ErrUnauthenticated, "signature %q", sig)
	}
}

func TestLoginGarbageMessage(t *testing.T) {
	auth := newTestAuthenticator(t)

	for _, msg := range []string{"", "hello world", "{\"not\":\"siwe\"}"} {
		_, err := auth.Login(context.Background(), msg, "0x00")
		assert.ErrorIs(t, err, interfaces.ErrUnauthenticated, "message %q", msg)
	}
}
