package sessions

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/ruteri/tee-agent-proxy/attestation"
	"github.com/ruteri/tee-agent-proxy/cryptoutils"
	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/ruteri/tee-agent-proxy/keyvault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	seed := []byte("0123456789abcdef0123456789abcdef")
	vault, err := keyvault.New(seed)
	require.NoError(t, err)

	att := attestation.NewService(cryptoutils.DummyAttestationProvider{Seed: seed}, vault, testLog)
	return NewRegistry(vault, att, testLog)
}

func TestRegisterProvision(t *testing.T) {
	registry := newTestRegistry(t)

	provision, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, interfaces.UserID("alice"), provision.Session.Owner)
	assert.Regexp(t, regexp.MustCompile(`^ak_[0-9a-f]{32}$`), string(provision.Session.APIKey))
	assert.Len(t, provision.Report.Quote, interfaces.QuoteSize*2)
	assert.Greater(t, provision.Session.ExpiresAt, provision.Session.CreatedAt)
}

func TestRegisterIdempotent(t *testing.T) {
	registry := newTestRegistry(t)

	first, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)
	second, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, first.Session, second.Session)
	assert.Equal(t, first.Report.Quote, second.Report.Quote)
}

func TestRegisterDistinctOwners(t *testing.T) {
	registry := newTestRegistry(t)

	alice, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)
	bob, err := registry.Register(context.Background(), "bob")
	require.NoError(t, err)

	assert.NotEqual(t, alice.Session.Agent, bob.Session.Agent)
	assert.NotEqual(t, alice.Session.APIKey, bob.Session.APIKey)
	assert.NotEqual(t, alice.Report.Quote, bob.Report.Quote)
}

func TestRegisterInvalidOwner(t *testing.T) {
	registry := newTestRegistry(t)

	for _, owner := range []string{"", "has space", ".leading", "bad!chars", string(make([]byte, 80))} {
		_, err := registry.Register(context.Background(), interfaces.UserID(owner))
		assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier, "owner %q", owner)
	}
}

func TestRegisterConcurrentSameOwner(t *testing.T) {
	registry := newTestRegistry(t)

	const goroutines = 8
	provisions := make([]*interfaces.Provision, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			provision, err := registry.Register(context.Background(), "alice")
			assert.NoError(t, err)
			provisions[i] = provision
		}(i)
	}
	wg.Wait()

	// Exactly one session wins; everyone sees the same agent and key.
	for i := 1; i < goroutines; i++ {
		assert.Equal(t, provisions[0].Session, provisions[i].Session)
	}

	sessions, owners := registry.Stats()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, owners)
}

func TestLookup(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Lookup("alice")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	provision, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)

	session, err := registry.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, provision.Session, *session)

	_, err = registry.Lookup("bad owner!")
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentifier)
}

func TestResolve(t *testing.T) {
	registry := newTestRegistry(t)

	provision, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)

	agent, err := registry.Resolve(provision.Session.APIKey)
	require.NoError(t, err)
	assert.Equal(t, provision.Session.Agent, agent)

	_, err = registry.Resolve("")
	assert.ErrorIs(t, err, interfaces.ErrUnauthenticated)

	_, err = registry.Resolve("ak_00000000000000000000000000000000")
	assert.ErrorIs(t, err, interfaces.ErrUnauthenticated)

	_, err = registry.Resolve("not-even-a-key")
	assert.ErrorIs(t, err, interfaces.ErrUnauthenticated)
}

func TestFirst(t *testing.T) {
	registry := newTestRegistry(t)

	_, ok := registry.First()
	assert.False(t, ok)

	_, err := registry.Register(context.Background(), "alice")
	require.NoError(t, err)
	_, err = registry.Register(context.Background(), "bob")
	require.NoError(t, err)

	first, ok := registry.First()
	require.True(t, ok)
	assert.Equal(t, interfaces.UserID("alice"), first.Owner)
}
