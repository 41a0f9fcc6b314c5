// Package siweauth authenticates users via Sign-In-With-Ethereum (EIP-4361)
// and drives session issuance for the recovered wallet address.
package siweauth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	siwe "github.com/spruceid/siwe-go"

	"github.com/ruteri/tee-agent-proxy/interfaces"
)

// Authenticator validates SIWE logins against the session registry.
type Authenticator struct {
	sessions interfaces.SessionStore
	log      *slog.Logger
}

// LoginResult is a successful login: the provision plus whether the session
// already existed before this login.
type LoginResult struct {
	Provision   *interfaces.Provision
	UserAddress string
	Existing    bool
}

// NewAuthenticator creates a SIWE authenticator over the session store.
func NewAuthenticator(sessions interfaces.SessionStore, log *slog.Logger) *Authenticator {
	return &Authenticator{sessions: sessions, log: log}
}

// Login parses and verifies a SIWE message/signature pair, then provisions
// (or returns) the agent session for the recovered address. All parse and
// signature failures collapse into ErrUnauthenticated: the caller learns the
// login failed, not why the cryptography did.
func (a *Authenticator) Login(ctx context.Context, message, signature string) (*LoginResult, error) {
	parsed, err := siwe.ParseMessage(message)
	if err != nil {
		a.log.Warn("SIWE message parse failed", "err", err)
		return nil, fmt.Errorf("%w: invalid SIWE message", interfaces.ErrUnauthenticated)
	}

	// Verifies the EIP-191 personal-sign signature, that the recovered
	// address matches the message's address line, and the message's time
	// window.
	if _, err := parsed.Verify(signature, nil, nil, nil); err != nil {
		a.log.Warn("SIWE verification failed", "err", err, "address", parsed.GetAddress().Hex())
		return nil, fmt.Errorf("%w: SIWE verification failed", interfaces.ErrUnauthenticated)
	}

	// The owner identity is the wallet itself, case-normalized so checksum
	// variants converge on one agent.
	userAddress := strings.ToLower(parsed.GetAddress().Hex())
	owner, err := interfaces.NewUserID(userAddress)
	if err != nil {
		return nil, err
	}

	_, lookupErr := a.sessions.Lookup(owner)
	existing := lookupErr == nil

	provision, err := a.sessions.Register(ctx, owner)
	if err != nil {
		return nil, err
	}

	a.log.Info("SIWE login", "user", userAddress, "agent", provision.Session.Agent.Hex(), "existing", existing)

	return &LoginResult{
		Provision:   provision,
		UserAddress: userAddress,
		Existing:    existing,
	}, nil
}
